package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/types"
)

// ErrExhausted is returned when no bindable port remains in the range.
var ErrExhausted = errors.New("port range exhausted")

const allocationsFile = "port-allocations.json"

// startupTrustWindow is how long loaded allocations are trusted before the
// first automatic stale sweep, so restarted services can reclaim their
// previous ports.
const startupTrustWindow = 30 * time.Second

// Allocator hands out TCP ports from a bounded range and persists the
// allocation table across restarts.
type Allocator struct {
	mu       sync.Mutex
	min, max int
	path     string
	// allocations is keyed by port. A port appears here iff it is reserved.
	allocations map[int]types.PortAllocation
	// byService indexes the same records by serviceName for relaunch reuse.
	byService map[string]int

	sweepTimer *time.Timer
}

// NewAllocator creates an allocator over [min,max], loading any persisted
// allocation table from dataDir. Loaded allocations are trusted for 30
// seconds, then a stale sweep runs automatically.
func NewAllocator(dataDir string, min, max int) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d,%d]", min, max)
	}

	a := &Allocator{
		min:         min,
		max:         max,
		path:        filepath.Join(dataDir, allocationsFile),
		allocations: make(map[int]types.PortAllocation),
		byService:   make(map[string]int),
	}

	if err := a.load(); err != nil {
		return nil, err
	}

	a.sweepTimer = time.AfterFunc(startupTrustWindow, func() {
		n := a.CleanupStale()
		if n > 0 {
			logger := log.WithComponent("ports")
			logger.Info().Int("released", n).Msg("startup stale sweep released allocations")
		}
	})

	return a, nil
}

// Close cancels the pending startup sweep.
func (a *Allocator) Close() {
	if a.sweepTimer != nil {
		a.sweepTimer.Stop()
	}
}

// Allocate reserves a port for serviceName. The previously persisted port is
// reused when it is still bindable; otherwise the lowest bindable free port
// in range is chosen. Returns ErrExhausted when nothing is bindable.
func (a *Allocator) Allocate(serviceName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byService[serviceName]; ok {
		if bindable(port) {
			// Refresh the reservation timestamp so the record reflects the
			// relaunch.
			a.allocations[port] = types.PortAllocation{
				Port:        port,
				ServiceName: serviceName,
				AllocatedAt: time.Now(),
			}
			if err := a.save(); err != nil {
				return 0, err
			}
			return port, nil
		}
		// The persisted port is occupied by someone else; drop the stale
		// reservation, persist the drop so the file keeps mirroring memory
		// even if the fresh pick below exhausts the range, then fall
		// through.
		stale := a.allocations[port]
		delete(a.allocations, port)
		delete(a.byService, serviceName)
		if err := a.save(); err != nil {
			a.allocations[port] = stale
			a.byService[serviceName] = port
			return 0, err
		}
		metrics.PortsAllocated.Set(float64(len(a.allocations)))
	}

	for port := a.min; port <= a.max; port++ {
		if _, taken := a.allocations[port]; taken {
			continue
		}
		if !bindable(port) {
			// In range but occupied by a foreign process. Skip it.
			continue
		}
		alloc := types.PortAllocation{
			Port:        port,
			ServiceName: serviceName,
			AllocatedAt: time.Now(),
		}
		a.allocations[port] = alloc
		a.byService[serviceName] = port
		if err := a.save(); err != nil {
			delete(a.allocations, port)
			delete(a.byService, serviceName)
			return 0, err
		}
		metrics.PortsAllocated.Set(float64(len(a.allocations)))
		return port, nil
	}

	return 0, ErrExhausted
}

// Release removes the allocation for port. Idempotent.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[port]
	if !ok {
		return nil
	}
	delete(a.allocations, port)
	if a.byService[alloc.ServiceName] == port {
		delete(a.byService, alloc.ServiceName)
	}
	if err := a.save(); err != nil {
		// Roll back so memory keeps mirroring the file.
		a.allocations[port] = alloc
		a.byService[alloc.ServiceName] = port
		return err
	}
	metrics.PortsAllocated.Set(float64(len(a.allocations)))
	return nil
}

// CleanupStale probes every allocation by attempting a transient bind. A
// successful bind means no process holds the port, so the allocation is
// stale and released. Returns the number released.
func (a *Allocator) CleanupStale() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	for port, alloc := range a.allocations {
		if !bindable(port) {
			continue
		}
		delete(a.allocations, port)
		if a.byService[alloc.ServiceName] == port {
			delete(a.byService, alloc.ServiceName)
		}
		released++
		logger := log.WithComponent("ports")
		logger.Debug().
			Int("port", port).
			Str("service_name", alloc.ServiceName).
			Msg("released stale port allocation")
	}

	if released > 0 {
		if err := a.save(); err != nil {
			logger := log.WithComponent("ports")
			logger.Error().Err(err).Msg("failed to persist allocation table after stale sweep")
		}
		metrics.StalePortsReclaimed.Add(float64(released))
		metrics.PortsAllocated.Set(float64(len(a.allocations)))
	}
	return released
}

// Snapshot returns the current allocation table sorted by port.
func (a *Allocator) Snapshot() []types.PortAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.PortAllocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Range returns the configured [min,max] bounds.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// bindable probes 127.0.0.1:port with a transient listener. The listener is
// closed immediately; the probe races with real binds by design, callers
// handle bind failures downstream.
func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func (a *Allocator) load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read allocation table: %w", err)
	}

	var allocs []types.PortAllocation
	if err := json.Unmarshal(data, &allocs); err != nil {
		return fmt.Errorf("failed to parse allocation table: %w", err)
	}

	for _, alloc := range allocs {
		if alloc.Port < a.min || alloc.Port > a.max {
			// Range may have been reconfigured; out-of-range entries are
			// dropped on the next save.
			continue
		}
		a.allocations[alloc.Port] = alloc
		a.byService[alloc.ServiceName] = alloc.Port
	}
	metrics.PortsAllocated.Set(float64(len(a.allocations)))
	return nil
}

// save writes the allocation table atomically: write to a temp file in the
// same directory, then rename over the target.
func (a *Allocator) save() error {
	allocs := make([]types.PortAllocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		allocs = append(allocs, alloc)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Port < allocs[j].Port })

	data, err := json.MarshalIndent(allocs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allocation table: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write allocation table: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("failed to replace allocation table: %w", err)
	}
	return nil
}
