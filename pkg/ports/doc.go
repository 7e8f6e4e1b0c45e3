/*
Package ports allocates TCP listen ports for child services from a fixed
range and persists the assignment table across engine restarts.

Allocation prefers a service's previously persisted port when it is still
bindable, so a relaunched service keeps its identity-relevant port. Every
mutation rewrites port-allocations.json via temp file + rename; the
in-memory table and the file never disagree after an operation returns.
Allocations loaded at startup are trusted for a short window before the
first stale sweep, giving previously running children time to be
re-adopted. CleanupStale probes each allocation with a transient bind and
releases ports nothing is listening on.
*/
package ports
