/*
Package stepservice implements the child service runtime: the HTTP server
each spawned process runs for one journey step.

The surface is two endpoints. /health always answers, whatever the chaos
flags say; /process does the simulated work and is where fault injection
lives. The service polls its effective feature flags from the engine with
a short-TTL cache, so flag mutations take effect within about a second
without any push channel.

# Fault Precedence

One /process call consults the flags in a fixed order; the first rule
that fires wins:

	error_injection_enabled == false  →  no injection at all
	errors_per_visit                  →  per-correlation decision (memoized)
	errors_per_transaction            →  per-call probability
	errors_per_minute                 →  rate fuse (golang.org/x/time/rate)
	slow_responses_enabled            →  500–3000ms delay, then success

Injected failures pick a kind from timeout(408), service_unavailable(503),
internal_error(500), validation_failed(400), and the response names the
flag that fired. circuit_breaker_enabled additionally runs calls through
a gobreaker.CircuitBreaker, so sustained failures start tripping with 503s
the way a real dependency would.

cache_enabled simulates a cache in front of the work: a fraction of calls
return almost instantly with a cache-hit annotation, except every
regenerate_every_n_transactions-th call, which always does the full work.

# Chained Mode

When the inbound request carries a chain, the service forwards to the
next hop after its own work, propagating tracing headers. Forwarded hops
do not emit their own business events; only the entry hop is directly
observable, which is the documented trade-off of chained mode.

# See Also

  - pkg/supervisor for how these processes are spawned and reaped
  - pkg/flags for flag semantics and validation
  - cmd/stepsvc for the process entry point
*/
package stepservice
