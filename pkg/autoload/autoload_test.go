package autoload

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravanhq/caravan/pkg/config"
	"github.com/caravanhq/caravan/pkg/configstore"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/orchestrator"
	"github.com/caravanhq/caravan/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	batches []int
	specs   []types.JourneySpec
	opts    []orchestrator.RunOptions
	err     error
	status  types.JourneyStatus
	block   chan struct{} // when set, Simulate blocks until closed
}

func (r *fakeRunner) SimulateMultipleCustomers(ctx context.Context, spec types.JourneySpec, customers int, opts orchestrator.RunOptions) ([]types.JourneyRunResult, error) {
	r.mu.Lock()
	r.calls++
	r.batches = append(r.batches, customers)
	r.specs = append(r.specs, spec)
	r.opts = append(r.opts, opts)
	block := r.block
	err := r.err
	status := r.status
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = types.JourneyCompleted
	}
	results := make([]types.JourneyRunResult, customers)
	for i := range results {
		results[i] = types.JourneyRunResult{JourneyID: spec.JourneyID, Status: status}
	}
	return results, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeFleet struct {
	mu        sync.Mutex
	companies []string
}

func (f *fakeFleet) set(companies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companies = companies
}

func (f *fakeFleet) InventoryByCompany() map[string][]types.ServiceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]types.ServiceRecord, len(f.companies))
	for _, c := range f.companies {
		out[c] = []types.ServiceRecord{{ServiceName: "BrowseService-" + c}}
	}
	return out
}

type mapTemplates map[string]types.JourneySpec

func (m mapTemplates) TemplateFor(company string) (types.JourneySpec, bool) {
	spec, ok := m[company]
	return spec, ok
}

func fastConfig() config.AutoLoad {
	return config.AutoLoad{
		Enabled:         true,
		WatchInterval:   20 * time.Millisecond,
		JourneyInterval: 20 * time.Millisecond,
		BatchSize:       2,
		MaxConcurrent:   4,
	}
}

func statsFor(g *Generator, company string) (CompanyStats, bool) {
	for _, s := range g.Status() {
		if s.CompanyName == company {
			return s, true
		}
	}
	return CompanyStats{}, false
}

func findStats(t *testing.T, g *Generator, company string) CompanyStats {
	t.Helper()
	s, ok := statsFor(g, company)
	if !ok {
		t.Fatalf("no driver for company %s", company)
	}
	return s
}

func TestDriverSubmitsBatchesForLiveCompany(t *testing.T) {
	runner := &fakeRunner{}
	fleet := &fakeFleet{}
	fleet.set("Acme")
	templates := mapTemplates{"Acme": {JourneyID: "j-1", CompanyName: "Acme"}}

	g := NewGenerator(runner, fleet, templates, fastConfig())
	g.Start()
	defer g.Stop()

	assert.Eventually(t, func() bool { return runner.callCount() >= 2 }, 3*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	batch := runner.batches[0]
	runner.mu.Unlock()
	assert.Equal(t, 2, batch)

	stats := findStats(t, g, "Acme")
	assert.GreaterOrEqual(t, stats.Iterations, uint64(2))
	assert.GreaterOrEqual(t, stats.Successes, uint64(2))
	assert.Zero(t, stats.Errors)
	assert.False(t, stats.Degraded)
}

func TestDriverPassesThinkTimeThrough(t *testing.T) {
	runner := &fakeRunner{}
	fleet := &fakeFleet{}
	fleet.set("Acme")
	templates := mapTemplates{"Acme": {JourneyID: "j-1", CompanyName: "Acme"}}

	cfg := fastConfig()
	cfg.ThinkTime = 300 * time.Millisecond
	g := NewGenerator(runner, fleet, templates, cfg)
	g.Start()
	defer g.Stop()

	assert.Eventually(t, func() bool { return runner.callCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	opts := runner.opts[0]
	runner.mu.Unlock()
	assert.Equal(t, "autoload", opts.TriggeredBy)
	assert.Equal(t, 300*time.Millisecond, opts.ThinkTime)
}

func TestDriverStopsWhenCompanyDisappears(t *testing.T) {
	runner := &fakeRunner{}
	fleet := &fakeFleet{}
	fleet.set("Acme")
	templates := mapTemplates{"Acme": {CompanyName: "Acme"}}

	g := NewGenerator(runner, fleet, templates, fastConfig())
	g.Start()
	defer g.Stop()

	assert.Eventually(t, func() bool { return len(g.Status()) == 1 }, 3*time.Second, 10*time.Millisecond)

	fleet.set()
	assert.Eventually(t, func() bool { return len(g.Status()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestCompanyWithoutTemplateGetsGenericJourney(t *testing.T) {
	runner := &fakeRunner{}
	fleet := &fakeFleet{}
	fleet.set("Ghost Corp")

	g := NewGenerator(runner, fleet, mapTemplates{}, fastConfig())
	g.Start()
	defer g.Stop()

	assert.Eventually(t, func() bool { return runner.callCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.NotEmpty(t, runner.specs)
	assert.Equal(t, "Ghost Corp", runner.specs[0].CompanyName)
	assert.Len(t, runner.specs[0].Steps, 3)
}

func TestGenericTemplateShape(t *testing.T) {
	spec := GenericTemplate("Ghost Corp")
	assert.Equal(t, "Ghost Corp", spec.CompanyName)
	assert.Equal(t, "autoload-GhostCorp", spec.JourneyID)
	require.Len(t, spec.Steps, 3)
	assert.Equal(t, "Browse", spec.Steps[0].StepName)
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	fleet := &fakeFleet{}
	fleet.set("Acme")
	templates := mapTemplates{"Acme": {CompanyName: "Acme"}}

	g := NewGenerator(runner, fleet, templates, fastConfig())
	g.Start()
	defer g.Stop()

	assert.Eventually(t, func() bool {
		s, ok := statsFor(g, "Acme")
		return ok && s.Degraded
	}, 3*time.Second, 10*time.Millisecond)

	// recovery clears the degraded state
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	assert.Eventually(t, func() bool {
		s, ok := statsFor(g, "Acme")
		return ok && !s.Degraded && s.ConsecutiveFailures == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBatchSkippedWithoutCapacity(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	fleet := &fakeFleet{}
	fleet.set("Acme")
	templates := mapTemplates{"Acme": {CompanyName: "Acme"}}

	cfg := fastConfig()
	cfg.BatchSize = 2
	cfg.MaxConcurrent = 2 // one in-flight batch exhausts capacity
	g := NewGenerator(runner, fleet, templates, cfg)
	g.Start()

	assert.Eventually(t, func() bool {
		s, ok := statsFor(g, "Acme")
		return ok && s.SkippedBatches >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.callCount())

	close(block)
	g.Stop()
}

func TestStoreTemplatesMatchesByCompany(t *testing.T) {
	store, err := configstore.NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Save(configstore.JourneyConfig{
		Name:        "acme-journey",
		CompanyName: "Acme",
		Steps:       []types.StepSpec{{StepName: "Browse"}},
	})
	require.NoError(t, err)

	templates := StoreTemplates{Store: store}
	spec, ok := templates.TemplateFor("Acme")
	require.True(t, ok)
	assert.Equal(t, "Acme", spec.CompanyName)
	require.Len(t, spec.Steps, 1)

	_, ok = templates.TemplateFor("Ghost")
	assert.False(t, ok)
}
