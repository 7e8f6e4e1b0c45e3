/*
Package events fans change and business events out to external sinks
without ever blocking a producer.

# Architecture

	publisher ──► bounded FIFO (per destination, cap 10k) ──► consumer
	                      │ overflow                              │
	                      ▼                                       ▼
	                drop oldest                      Destination.Deliver
	                                                  (retry w/ backoff)

Each registered Destination gets its own queue and consumer goroutine, so
a slow platform tenant cannot stall the log fallback or vice versa.
Delivery retries with capped exponential backoff (500ms initial, 30s cap,
5 attempts); a Destination can mark an error permanent to stop retries
early. Events that exhaust retries are counted and dropped; the engine is
a simulation and the platform is the system of record, so best-effort
with visible counters beats unbounded buffering.

Stats exposes enqueued/delivered/dropped/failed counters, mirrored as
prometheus metrics.

# See Also

  - pkg/platform for the primary Destination implementation
  - pkg/flags for the change-event producer
*/
package events
