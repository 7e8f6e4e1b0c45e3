/*
Package supervisor owns the fleet of child step-service processes: it
spawns them on demand, health-checks them, and tears them down.

Every journey step maps to exactly one OS process running the stepsvc
binary. Process identity is the point: the observability platform's agent
attributes traffic, metrics, and logs per process, so a journey shows up
as a chain of distinct services rather than goroutines inside one binary.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                      Supervisor                         │
	│                                                         │
	│  EnsureService ──► per-name lock ──► live? ──► reuse    │
	│                                        │                │
	│                                        ▼ no             │
	│                            allocate port (pkg/ports)    │
	│                                        │                │
	│                                        ▼                │
	│                            Launcher.Launch(stepsvc)     │
	│                                        │                │
	│                                        ▼                │
	│                            await /health (backoff ×5)   │
	│                                        │                │
	│                          ok ──► record │ fail ──► unwind│
	└─────────────────────────────────────────────────────────┘

A ServiceRecord moves through a fixed lifecycle:

	absent → starting → healthy ⇄ unhealthy → stopping → absent

EnsureService drives absent→healthy (or unwinds the port and process on
failure). The periodic health loop toggles healthy⇄unhealthy without
restarting anything; reclamation happens when the next journey launches.

# Concurrency

EnsureService serializes per service name: two concurrent orchestrations
asking for the same step's service never both spawn it, while different
names proceed in parallel. The records map has its own RWMutex.

# Teardown

StopService sends SIGTERM, waits a bounded grace, then SIGKILLs, releases
the port, and drops the record. StopAll additionally sweeps /proc (pgrep
as fallback) for residual stepsvc processes whose argv carries the
Service- naming convention, then reclaims stale ports.

# Integration Points

  - pkg/ports allocates and releases the listen ports
  - pkg/health probes child /health endpoints
  - pkg/orchestrator calls EnsureJourney before running steps
  - pkg/autoload reads InventoryByCompany to decide whom to load

# See Also

  - pkg/stepservice for what the spawned process actually runs
  - cmd/stepsvc for the child binary entry point
*/
package supervisor
