/*
Package flags is the runtime feature-flag store that drives chaos
injection across the fleet.

Flags exist at two scopes: one global set and per-service overrides. The
effective set for a service is global merged with its overrides, override
winning. Reads go through an atomically swapped immutable snapshot, so
GetEffective is lock-free and never observes a half-applied mutation.
Mutations serialize on a writer mutex and commit in a fixed order:
validate, persist to feature-flags.json (temp file + rename), swap the
snapshot, emit one ChangeEvent per changed key. Emitting under the writer
lock keeps change events in mutation order.

Validation is strict: probabilities outside [0,1], negative rates, and
wrong types are rejected with ErrInvalidValue and leave state untouched.
A multi-key override set is all-or-nothing.

# See Also

  - pkg/stepservice for how children consume effective flags
  - pkg/api for the flag management and remediation endpoints
*/
package flags
