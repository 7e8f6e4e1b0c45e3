package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/ports"
	"github.com/caravanhq/caravan/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

// fakeProcess backs a fake child with a real HTTP listener so the
// supervisor's health probes exercise the actual wire path.
type fakeProcess struct {
	pid      int
	server   *http.Server
	done     chan struct{}
	stopOnce sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(os.Signal) error {
	p.stop()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.stop()
	return nil
}

func (p *fakeProcess) stop() {
	p.stopOnce.Do(func() {
		_ = p.server.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// fakeLauncher binds a healthy /health endpoint on the requested port.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []LaunchSpec
	nextPID  int
	failNext bool
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failNext {
		l.failNext = false
		return nil, errors.New("spawn failed")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.HealthResponse{
			Status:      "ok",
			ServiceName: spec.ServiceName,
		})
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()

	l.nextPID++
	p := &fakeProcess{pid: 40000 + l.nextPID, server: srv, done: make(chan struct{})}
	l.launched = append(l.launched, spec)
	return p, nil
}

// deadLauncher produces processes that never answer health checks.
type deadLauncher struct{}

type inertProcess struct{ done chan struct{} }

func (p *inertProcess) PID() int              { return 99999 }
func (p *inertProcess) Signal(os.Signal) error { return nil }
func (p *inertProcess) Kill() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
func (p *inertProcess) Done() <-chan struct{} { return p.done }

func (deadLauncher) Launch(LaunchSpec) (Process, error) {
	return &inertProcess{done: make(chan struct{})}, nil
}

func newTestSupervisor(t *testing.T, min, max int, launcher Launcher) (*Supervisor, *ports.Allocator) {
	t.Helper()
	alloc, err := ports.NewAllocator(t.TempDir(), min, max)
	require.NoError(t, err)
	t.Cleanup(alloc.Close)

	sup := NewSupervisor(Config{
		EngineURL:         "http://127.0.0.1:8080",
		PreservedServices: []string{"PaymentGatewayService"},
	}, alloc, launcher)
	t.Cleanup(sup.StopAll)
	return sup, alloc
}

func acmeJourney(steps ...string) types.JourneySpec {
	spec := types.JourneySpec{
		JourneyID:   "j-1",
		CompanyName: "Acme",
		Domain:      "acme.example.com",
	}
	for i, name := range steps {
		spec.Steps = append(spec.Steps, types.StepSpec{
			StepIndex:   i,
			StepName:    name,
			ServiceName: types.DeriveServiceName(name, "Acme"),
		})
	}
	return spec
}

func TestEnsureJourneySpawnsAllSteps(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newTestSupervisor(t, 39300, 39310, launcher)

	recs, err := sup.EnsureJourney(context.Background(), acmeJourney("Browse", "Checkout", "Payment"))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	seen := map[int]bool{}
	for _, rec := range recs {
		assert.Equal(t, types.ServiceStateHealthy, rec.State)
		assert.False(t, seen[rec.Port], "ports must be distinct")
		seen[rec.Port] = true
	}
}

func TestEnsureServiceReusesHealthyRecord(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newTestSupervisor(t, 39320, 39325, launcher)

	step := types.StepSpec{StepName: "Browse", ServiceName: "BrowseService-Acme"}
	company := types.CompanyContext{CompanyName: "Acme"}

	rec1, err := sup.EnsureService(context.Background(), step, company)
	require.NoError(t, err)
	rec2, err := sup.EnsureService(context.Background(), step, company)
	require.NoError(t, err)

	assert.Equal(t, rec1.Port, rec2.Port)
	assert.Equal(t, rec1.PID, rec2.PID)
	assert.Len(t, launcher.launched, 1)
}

func TestEnsureServiceFailureReleasesPort(t *testing.T) {
	sup, alloc := newTestSupervisor(t, 39330, 39330, deadLauncher{})

	_, err := sup.EnsureService(context.Background(),
		types.StepSpec{StepName: "Browse", ServiceName: "BrowseService-Acme"},
		types.CompanyContext{CompanyName: "Acme"})
	require.ErrorIs(t, err, ErrHealthTimeout)

	// Port range of size one: a successful follow-up proves the release.
	assert.Empty(t, alloc.Snapshot())
}

func TestStopCustomerJourneyServicesKeepsPreserved(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, alloc := newTestSupervisor(t, 39340, 39350, launcher)

	ctx := context.Background()
	_, err := sup.EnsureService(ctx,
		types.StepSpec{StepName: "Browse", ServiceName: "BrowseService-Acme"},
		types.CompanyContext{CompanyName: "Acme"})
	require.NoError(t, err)
	_, err = sup.EnsureService(ctx,
		types.StepSpec{StepName: "PaymentGateway", ServiceName: "PaymentGatewayService"},
		types.CompanyContext{CompanyName: "Acme"})
	require.NoError(t, err)

	sup.StopCustomerJourneyServices()

	inv := sup.Inventory()
	require.Len(t, inv, 1)
	assert.Equal(t, "PaymentGatewayService", inv[0].ServiceName)
	require.Len(t, alloc.Snapshot(), 1)
	assert.Equal(t, "PaymentGatewayService", alloc.Snapshot()[0].ServiceName)
}

func TestPerformHealthCheckCountsAndFlags(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newTestSupervisor(t, 39360, 39370, launcher)

	ctx := context.Background()
	recs, err := sup.EnsureJourney(ctx, acmeJourney("Browse", "Checkout"))
	require.NoError(t, err)

	h, u := sup.PerformHealthCheck(ctx)
	assert.Equal(t, 2, h)
	assert.Equal(t, 0, u)

	// Kill one child behind the supervisor's back; after enough failed
	// probes the record flips unhealthy but is not auto-restarted.
	sup.mu.Lock()
	sup.records[recs[0].ServiceName].proc.(*fakeProcess).stop()
	sup.mu.Unlock()

	for i := 0; i < sup.cfg.HealthCheck.Retries; i++ {
		_, _ = sup.PerformHealthCheck(ctx)
	}

	var state types.ServiceState
	for _, rec := range sup.Inventory() {
		if rec.ServiceName == recs[0].ServiceName {
			state = rec.State
		}
	}
	assert.Equal(t, types.ServiceStateUnhealthy, state)
	assert.Len(t, sup.Inventory(), 2, "unhealthy children are reported, not reaped")
}

func TestInventoryByCompany(t *testing.T) {
	launcher := &fakeLauncher{}
	sup, _ := newTestSupervisor(t, 39380, 39390, launcher)

	ctx := context.Background()
	_, err := sup.EnsureService(ctx,
		types.StepSpec{StepName: "Browse", ServiceName: "BrowseService-Acme"},
		types.CompanyContext{CompanyName: "Acme"})
	require.NoError(t, err)
	_, err = sup.EnsureService(ctx,
		types.StepSpec{StepName: "Browse", ServiceName: "BrowseService-Globex"},
		types.CompanyContext{CompanyName: "Globex"})
	require.NoError(t, err)

	grouped := sup.InventoryByCompany()
	assert.Len(t, grouped["Acme"], 1)
	assert.Len(t, grouped["Globex"], 1)
}

func TestResidualChildMatching(t *testing.T) {
	cases := []struct {
		name  string
		argv  []string
		match bool
	}{
		{"stepsvc with service arg", []string{"/usr/local/bin/stepsvc", "--service-name", "BrowseService-Acme"}, true},
		{"stepsvc without service arg", []string{"/usr/local/bin/stepsvc", "--help"}, false},
		{"other binary with service arg", []string{"/bin/grep", "BrowseService-Acme"}, false},
		{"empty argv", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, isResidualChild(tc.argv))
		})
	}
}

func TestEnvironPortBoundsResidualSweep(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, vars ...string) string {
		path := dir + "/" + name
		require.NoError(t, os.WriteFile(path, []byte(strings.Join(vars, "\x00")), 0644))
		return path
	}

	port, ok := environPort(write("in-range", "SERVICE_NAME=BrowseService-Acme", "PORT=9123", "HOME=/root"))
	require.True(t, ok)
	assert.Equal(t, 9123, port)
	assert.True(t, portInRange(port, 9000, 9999))

	port, ok = environPort(write("out-of-range", "PORT=7001"))
	require.True(t, ok)
	assert.False(t, portInRange(port, 9000, 9999))

	_, ok = environPort(write("no-port", "SERVICE_NAME=BrowseService-Acme"))
	assert.False(t, ok)

	_, ok = environPort(write("malformed", "PORT=not-a-number"))
	assert.False(t, ok)

	_, ok = environPort(dir + "/missing")
	assert.False(t, ok)
}
