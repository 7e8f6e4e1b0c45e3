// Package autoload keeps continuous synthetic traffic flowing through every
// company that has live journey services, so the observability platform
// sees steady baselines instead of one-shot spikes.
package autoload

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/caravanhq/caravan/pkg/config"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/orchestrator"
	"github.com/caravanhq/caravan/pkg/types"
)

// degradedThreshold is how many consecutive failed batches flip a company
// driver into the degraded state.
const degradedThreshold = 3

// Runner executes one batch of journeys. The orchestrator satisfies it.
type Runner interface {
	SimulateMultipleCustomers(ctx context.Context, spec types.JourneySpec, customers int, opts orchestrator.RunOptions) ([]types.JourneyRunResult, error)
}

// FleetView exposes which companies currently have live services. The
// supervisor satisfies it.
type FleetView interface {
	InventoryByCompany() map[string][]types.ServiceRecord
}

// TemplateSource yields the journey to drive for a company. The config
// store satisfies it through a thin adapter; nil spec means no template.
type TemplateSource interface {
	TemplateFor(companyName string) (types.JourneySpec, bool)
}

// CompanyStats are the per-driver counters surfaced over the status API.
type CompanyStats struct {
	CompanyName         string    `json:"companyName"`
	Iterations          uint64    `json:"iterations"`
	Successes           uint64    `json:"successes"`
	Errors              uint64    `json:"errors"`
	SkippedBatches      uint64    `json:"skippedBatches"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Degraded            bool      `json:"degraded"`
	LastRunAt           time.Time `json:"lastRunAt,omitempty"`
}

// Generator watches the fleet and runs one driver goroutine per company
// with both live services and a journey template. Batches that cannot get
// capacity are dropped, never queued, so load stays bounded under pressure.
type Generator struct {
	runner    Runner
	fleet     FleetView
	templates TemplateSource
	cfg       config.AutoLoad
	sem       *semaphore.Weighted

	mu      sync.Mutex
	drivers map[string]*driver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type driver struct {
	company string
	spec    types.JourneySpec
	cancel  context.CancelFunc

	mu    sync.Mutex
	stats CompanyStats
}

func NewGenerator(runner Runner, fleet FleetView, templates TemplateSource, cfg config.AutoLoad) *Generator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		runner:    runner,
		fleet:     fleet,
		templates: templates,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		drivers:   make(map[string]*driver),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the fleet watcher.
func (g *Generator) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.WatchInterval)
		defer ticker.Stop()
		g.reconcile()
		for {
			select {
			case <-g.ctx.Done():
				return
			case <-ticker.C:
				g.reconcile()
			}
		}
	}()
	logger := log.WithComponent("autoload")
	logger.Info().
		Dur("watch_interval", g.cfg.WatchInterval).
		Dur("journey_interval", g.cfg.JourneyInterval).
		Int("batch_size", g.cfg.BatchSize).
		Msg("Auto load generator started")
}

// Stop halts the watcher and every driver, waiting for in-flight batches.
func (g *Generator) Stop() {
	g.cancel()
	g.wg.Wait()
}

// Status reports the counters of every active driver.
func (g *Generator) Status() []CompanyStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]CompanyStats, 0, len(g.drivers))
	for _, d := range g.drivers {
		out = append(out, d.snapshot())
	}
	return out
}

// reconcile aligns the driver set with the companies that currently have
// live services. Companies without a stored template are left alone.
func (g *Generator) reconcile() {
	inventory := g.fleet.InventoryByCompany()
	logger := log.WithComponent("autoload")

	g.mu.Lock()
	defer g.mu.Unlock()

	for company := range inventory {
		if _, running := g.drivers[company]; running {
			continue
		}
		spec, ok := g.templates.TemplateFor(company)
		if !ok {
			spec = GenericTemplate(company)
			logger.Debug().Str("company", company).Msg("No saved journey template, driving the generic journey")
		}
		ctx, cancel := context.WithCancel(g.ctx)
		d := &driver{
			company: company,
			spec:    spec,
			cancel:  cancel,
			stats:   CompanyStats{CompanyName: company},
		}
		g.drivers[company] = d
		g.wg.Add(1)
		go g.drive(ctx, d)
		logger.Info().Str("company", company).Msg("Starting load driver")
	}

	for company, d := range g.drivers {
		if _, still := inventory[company]; !still {
			d.cancel()
			delete(g.drivers, company)
			logger.Info().Str("company", company).Msg("Stopping load driver, no live services")
		}
	}
}

func (g *Generator) drive(ctx context.Context, d *driver) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.JourneyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runBatch(ctx, d)
		}
	}
}

// runBatch submits one batch if capacity is available. Under pressure the
// batch is dropped rather than queued.
func (g *Generator) runBatch(ctx context.Context, d *driver) {
	logger := log.WithCompany(d.company)

	if !g.sem.TryAcquire(int64(g.cfg.BatchSize)) {
		metrics.AutoLoadBatchesSkipped.Inc()
		d.mu.Lock()
		d.stats.SkippedBatches++
		d.mu.Unlock()
		logger.Debug().Msg("Skipping batch, no capacity")
		return
	}
	defer g.sem.Release(int64(g.cfg.BatchSize))

	d.mu.Lock()
	d.stats.Iterations++
	d.stats.LastRunAt = time.Now()
	d.mu.Unlock()

	results, err := g.runner.SimulateMultipleCustomers(ctx, d.spec, g.cfg.BatchSize, orchestrator.RunOptions{
		TriggeredBy: "autoload",
		ThinkTime:   g.cfg.ThinkTime,
	})
	for range results {
		metrics.AutoLoadJourneysSubmitted.Inc()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil || allFailed(results) {
		d.stats.Errors++
		d.stats.ConsecutiveFailures++
		if d.stats.ConsecutiveFailures >= degradedThreshold && !d.stats.Degraded {
			d.stats.Degraded = true
			logger.Warn().
				Int("consecutive_failures", d.stats.ConsecutiveFailures).
				Msg("Load driver degraded")
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Batch failed")
		}
		return
	}
	d.stats.Successes++
	d.stats.ConsecutiveFailures = 0
	if d.stats.Degraded {
		d.stats.Degraded = false
		logger.Info().Msg("Load driver recovered")
	}
}

// allFailed is true when a batch ran but produced no completed or partial
// journey at all.
func allFailed(results []types.JourneyRunResult) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if r.Status != types.JourneyFailed {
			return false
		}
	}
	return true
}

func (d *driver) snapshot() CompanyStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
