package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caravanhq/caravan/pkg/health"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/ports"
	"github.com/caravanhq/caravan/pkg/types"
)

var (
	// ErrHealthTimeout means a spawned child never answered /health.
	ErrHealthTimeout = errors.New("child service health check timed out")
)

const (
	// healthWaitInitial and healthWaitAttempts shape the post-spawn health
	// wait: 100ms doubling per attempt, 5 attempts (100ms..1600ms).
	healthWaitInitial  = 100 * time.Millisecond
	healthWaitAttempts = 5

	// reuseWindow: an existing record healthy within this window is reused
	// without a fresh probe.
	reuseWindow = 10 * time.Second

	// stopGrace is how long a child gets between SIGTERM and SIGKILL.
	stopGrace = 3 * time.Second
)

// Config holds supervisor configuration.
type Config struct {
	// EngineURL is handed to children so they can reach the flag API and
	// event intake.
	EngineURL string
	// PreservedServices are never torn down by per-journey cleanup.
	PreservedServices []string
	// ChildEnv is the opaque env bundle passed through to children.
	ChildEnv []string
	// HealthCheck tunes the steady-state health loop.
	HealthCheck health.Config
}

type record struct {
	rec    types.ServiceRecord
	proc   Process
	status *health.Status
}

// Supervisor owns every child service process: it spawns them on demand,
// tracks their records, health-checks them, and tears them down.
type Supervisor struct {
	cfg       Config
	allocator *ports.Allocator
	launcher  Launcher

	mu      sync.RWMutex // guards records
	records map[string]*record

	nameMu    sync.Mutex // guards nameLocks
	nameLocks map[string]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSupervisor creates a supervisor using the given allocator and
// launcher. A nil launcher selects the default exec-based one.
func NewSupervisor(cfg Config, allocator *ports.Allocator, launcher Launcher) *Supervisor {
	if launcher == nil {
		launcher = &ExecLauncher{}
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck = health.DefaultConfig()
	}
	return &Supervisor{
		cfg:       cfg,
		allocator: allocator,
		launcher:  launcher,
		records:   make(map[string]*record),
		nameLocks: make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// lockName acquires the per-service mutex that serializes ensure/teardown
// for one serviceName while letting different names proceed in parallel.
func (s *Supervisor) lockName(name string) func() {
	s.nameMu.Lock()
	l, ok := s.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.nameLocks[name] = l
	}
	s.nameMu.Unlock()
	l.Lock()
	return l.Unlock
}

// EnsureService guarantees a live, healthy child service for step. An
// existing healthy record is reused; otherwise a port is allocated, the
// child spawned, and /health awaited with exponential backoff.
func (s *Supervisor) EnsureService(ctx context.Context, step types.StepSpec, company types.CompanyContext) (types.ServiceRecord, error) {
	name := step.ServiceName
	if name == "" {
		name = types.DeriveServiceName(step.StepName, company.CompanyName)
	}

	unlock := s.lockName(name)
	defer unlock()

	if rec, ok := s.liveRecord(ctx, name); ok {
		return rec, nil
	}

	port, err := s.allocator.Allocate(name)
	if err != nil {
		return types.ServiceRecord{}, fmt.Errorf("failed to allocate port for %s: %w", name, err)
	}

	proc, err := s.launcher.Launch(LaunchSpec{
		ServiceName: name,
		Port:        port,
		Company:     company,
		EngineURL:   s.cfg.EngineURL,
		ExtraEnv:    s.cfg.ChildEnv,
	})
	if err != nil {
		_ = s.allocator.Release(port)
		metrics.ServiceSpawnsTotal.WithLabelValues("spawn_failed").Inc()
		return types.ServiceRecord{}, err
	}

	if err := s.awaitHealthy(ctx, name, port); err != nil {
		_ = proc.Kill()
		_ = s.allocator.Release(port)
		metrics.ServiceSpawnsTotal.WithLabelValues("health_timeout").Inc()
		return types.ServiceRecord{}, err
	}

	now := time.Now()
	rec := types.ServiceRecord{
		ServiceName:   name,
		PID:           proc.PID(),
		Port:          port,
		State:         types.ServiceStateHealthy,
		StartTime:     now,
		LastHealthyAt: now,
		Company:       company,
	}

	s.mu.Lock()
	s.records[name] = &record{rec: rec, proc: proc, status: health.NewStatus()}
	metrics.ServicesLive.Set(float64(len(s.records)))
	s.mu.Unlock()

	metrics.ServiceSpawnsTotal.WithLabelValues("ok").Inc()
	logger := log.WithService(name)
	logger.Info().
		Int("pid", rec.PID).
		Int("port", rec.Port).
		Str("company", company.CompanyName).
		Msg("child service started")
	return rec, nil
}

// liveRecord returns an existing record when it can be reused. Stale or
// dead records are torn down on the spot. Caller holds the name lock.
func (s *Supervisor) liveRecord(ctx context.Context, name string) (types.ServiceRecord, bool) {
	s.mu.RLock()
	r, ok := s.records[name]
	s.mu.RUnlock()
	if !ok {
		return types.ServiceRecord{}, false
	}

	if time.Since(r.rec.LastHealthyAt) < reuseWindow {
		return r.rec, true
	}

	// Older record: one fresh probe decides.
	checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", r.rec.Port)).
		WithTimeout(s.cfg.HealthCheck.Timeout)
	if checker.Check(ctx).Healthy {
		s.mu.Lock()
		r.rec.LastHealthyAt = time.Now()
		r.rec.State = types.ServiceStateHealthy
		s.mu.Unlock()
		return r.rec, true
	}

	logger := log.WithService(name)
	logger.Warn().Msg("existing child failed reuse probe, respawning")
	s.stopLocked(name, r)
	return types.ServiceRecord{}, false
}

// awaitHealthy polls /health with exponential backoff until the child
// answers or attempts are exhausted.
func (s *Supervisor) awaitHealthy(ctx context.Context, name string, port int) error {
	checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", port))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = healthWaitInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, healthWaitAttempts-1), ctx)
	err := backoff.Retry(func() error {
		res := checker.Check(ctx)
		if !res.Healthy {
			return fmt.Errorf("%s: %s", name, res.Message)
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthTimeout, err)
	}
	return nil
}

// EnsureJourney ensures a child service for every step, in order.
func (s *Supervisor) EnsureJourney(ctx context.Context, spec types.JourneySpec) ([]types.ServiceRecord, error) {
	company := types.CompanyContext{
		CompanyName:  spec.CompanyName,
		Domain:       spec.Domain,
		IndustryType: spec.IndustryType,
		JourneyType:  spec.JourneyType,
	}

	out := make([]types.ServiceRecord, 0, len(spec.Steps))
	for _, step := range spec.Steps {
		rec, err := s.EnsureService(ctx, step, company)
		if err != nil {
			return out, fmt.Errorf("failed to ensure service for step %q: %w", step.StepName, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// StopCustomerJourneyServices terminates every tracked service except the
// preserved infrastructure set, releasing ports and removing records.
func (s *Supervisor) StopCustomerJourneyServices() {
	preserved := make(map[string]bool, len(s.cfg.PreservedServices))
	for _, name := range s.cfg.PreservedServices {
		preserved[name] = true
	}

	for _, rec := range s.Inventory() {
		if preserved[rec.ServiceName] {
			continue
		}
		s.StopService(rec.ServiceName)
	}
}

// StopService terminates one tracked service. No-op for unknown names.
func (s *Supervisor) StopService(name string) {
	unlock := s.lockName(name)
	defer unlock()

	s.mu.RLock()
	r, ok := s.records[name]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.stopLocked(name, r)
}

// stopLocked terminates r: SIGTERM, grace, SIGKILL, release port, drop
// record. Caller holds the name lock.
func (s *Supervisor) stopLocked(name string, r *record) {
	s.mu.Lock()
	r.rec.State = types.ServiceStateStopping
	s.mu.Unlock()

	_ = r.proc.Signal(syscall.SIGTERM)
	select {
	case <-r.proc.Done():
	case <-time.After(stopGrace):
		_ = r.proc.Kill()
		<-r.proc.Done()
	}

	logger := log.WithService(name)
	if err := s.allocator.Release(r.rec.Port); err != nil {
		logger.Error().Err(err).Int("port", r.rec.Port).Msg("failed to release port")
	}

	s.mu.Lock()
	delete(s.records, name)
	metrics.ServicesLive.Set(float64(len(s.records)))
	s.mu.Unlock()

	logger.Info().Msg("child service stopped")
}

// StopAll is the aggressive teardown: every tracked child is stopped, then
// residual processes matching the service naming convention are swept, then
// stale port allocations are reclaimed.
func (s *Supervisor) StopAll() {
	for _, rec := range s.Inventory() {
		s.StopService(rec.ServiceName)
	}

	portMin, portMax := s.allocator.Range()
	if n := sweepResidualServices(portMin, portMax); n > 0 {
		logger := log.WithComponent("supervisor")
		logger.Warn().Int("killed", n).Msg("swept residual service processes")
	}
	s.allocator.CleanupStale()
}

// Inventory returns a snapshot of every tracked service record, sorted by
// service name.
func (s *Supervisor) Inventory() []types.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ServiceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// InventoryByCompany groups the current records by company name.
func (s *Supervisor) InventoryByCompany() map[string][]types.ServiceRecord {
	out := make(map[string][]types.ServiceRecord)
	for _, rec := range s.Inventory() {
		out[rec.Company.CompanyName] = append(out[rec.Company.CompanyName], rec)
	}
	return out
}

// PerformHealthCheck probes every record's /health in parallel, updates
// health state, and returns (healthy, unhealthy) counts. Unhealthy
// children are reported, not restarted; reclamation happens on the next
// journey trigger.
func (s *Supervisor) PerformHealthCheck(ctx context.Context) (int, int) {
	recs := s.Inventory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	healthy, unhealthy := 0, 0

	for _, rec := range recs {
		wg.Add(1)
		go func(rec types.ServiceRecord) {
			defer wg.Done()
			checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", rec.Port)).
				WithTimeout(s.cfg.HealthCheck.Timeout)
			res := checker.Check(ctx)

			s.mu.Lock()
			if r, ok := s.records[rec.ServiceName]; ok {
				r.status.Update(res, s.cfg.HealthCheck)
				if r.status.Healthy {
					r.rec.State = types.ServiceStateHealthy
					r.rec.LastHealthyAt = res.CheckedAt
				} else {
					r.rec.State = types.ServiceStateUnhealthy
				}
			}
			s.mu.Unlock()

			mu.Lock()
			if res.Healthy {
				healthy++
			} else {
				unhealthy++
			}
			mu.Unlock()
		}(rec)
	}
	wg.Wait()

	metrics.ServicesHealthy.Set(float64(healthy))
	return healthy, unhealthy
}

// Start launches the periodic health check loop.
func (s *Supervisor) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.HealthCheck.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheck.Timeout+time.Second)
				h, u := s.PerformHealthCheck(ctx)
				cancel()
				if u > 0 {
					logger := log.WithComponent("supervisor")
					logger.Warn().
						Int("healthy", h).
						Int("unhealthy", u).
						Msg("health check found unhealthy services")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the health loop and tears down every child.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.StopAll()
}
