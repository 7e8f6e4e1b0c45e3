/*
Package health provides HTTP health probing for spawned child services.

A Checker wraps one probe function; HTTPChecker is the implementation the
supervisor uses against each child's /health endpoint. Status tracks
consecutive failures so a single slow response does not flip a service to
unhealthy; the threshold is configurable and defaults to three.

Probes are point-in-time and side-effect free. Deciding what to do about
an unhealthy service belongs to the supervisor, not this package.
*/
package health
