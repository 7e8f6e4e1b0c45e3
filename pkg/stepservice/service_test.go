package stepservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type memEmitter struct {
	mu  sync.Mutex
	evs []types.BusinessEvent
}

func (e *memEmitter) EmitBusiness(_ context.Context, ev types.BusinessEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
	return nil
}

func (e *memEmitter) events() []types.BusinessEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.BusinessEvent, len(e.evs))
	copy(out, e.evs)
	return out
}

// flagServer serves a fixed flag set the way the engine's API does.
func flagServer(t *testing.T, set types.FlagSet) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/feature_flag", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"flags":   set,
		})
	}))
}

func newTestService(t *testing.T, set types.FlagSet, emitter EventEmitter) *Service {
	t.Helper()
	engine := flagServer(t, set)
	t.Cleanup(engine.Close)

	cfg := Config{
		ServiceName: "CheckoutService-Acme",
		Port:        0,
		Company:     types.CompanyContext{CompanyName: "Acme"},
		EngineURL:   engine.URL,
	}
	svc := NewService(cfg, NewFlagClient(engine.URL, cfg.ServiceName), emitter)
	svc.sleep = func(time.Duration) {} // no real waiting in tests
	return svc
}

func doProcess(t *testing.T, svc *Service, req types.ProcessRequest) (*httptest.ResponseRecorder, types.ProcessResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	svc.Handler().ServeHTTP(rec, httpReq)

	var resp types.ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func baseFlags(overrides types.FlagSet) types.FlagSet {
	set := types.DefaultFlags()
	set[types.FlagErrorsPerTransaction] = 0.0
	set[types.FlagCacheEnabled] = false
	return set.Merge(overrides)
}

func TestProcessSuccessPath(t *testing.T) {
	emitter := &memEmitter{}
	svc := newTestService(t, baseFlags(nil), emitter)

	rec, resp := doProcess(t, svc, types.ProcessRequest{
		CorrelationID: "corr-1",
		JourneyID:     "j-1",
		StepName:      "Checkout",
		Substeps:      []types.Substep{{SubstepName: "validate", DurationMs: 10}},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StepCompleted, resp.Status)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, "CheckoutService-Acme", resp.ServiceName)

	evs := emitter.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "completed", evs[0].Status)
	assert.Equal(t, "corr-1", evs[0].CorrelationID)
}

func TestProcessAlwaysFailsAtFullErrorRate(t *testing.T) {
	emitter := &memEmitter{}
	svc := newTestService(t, baseFlags(types.FlagSet{
		types.FlagErrorsPerTransaction: 1.0,
	}), emitter)

	rec, resp := doProcess(t, svc, types.ProcessRequest{
		CorrelationID: "corr-2",
		StepName:      "Checkout",
	})

	assert.Contains(t, []int{400, 408, 500, 503}, rec.Code)
	assert.Equal(t, types.StepFailed, resp.Status)
	assert.NotEmpty(t, resp.ErrorType)
	assert.NotEmpty(t, resp.ErrorMessage)
	assert.Equal(t, types.FlagErrorsPerTransaction, resp.FeatureFlag)

	evs := emitter.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "failed", evs[0].Status)
}

func TestMasterSwitchDisablesInjection(t *testing.T) {
	svc := newTestService(t, baseFlags(types.FlagSet{
		types.FlagErrorsPerTransaction:  1.0,
		types.FlagErrorInjectionEnabled: false,
	}), nil)

	rec, resp := doProcess(t, svc, types.ProcessRequest{CorrelationID: "corr-3", StepName: "Checkout"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StepCompleted, resp.Status)
}

func TestHealthSucceedsUnderFullChaos(t *testing.T) {
	svc := newTestService(t, baseFlags(types.FlagSet{
		types.FlagErrorsPerTransaction: 1.0,
	}), nil)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var health types.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "CheckoutService-Acme", health.ServiceName)
}

func TestVisitDecisionIsStablePerCorrelation(t *testing.T) {
	svc := newTestService(t, baseFlags(types.FlagSet{
		types.FlagErrorsPerVisit: 1.0,
	}), nil)

	// Same correlation id: every call fails the same way.
	for i := 0; i < 3; i++ {
		_, resp := doProcess(t, svc, types.ProcessRequest{CorrelationID: "corr-visit", StepName: "Checkout"})
		assert.Equal(t, types.StepFailed, resp.Status)
		assert.Equal(t, types.FlagErrorsPerVisit, resp.FeatureFlag)
	}
}

func TestMalformedRequestIsValidationFailure(t *testing.T) {
	svc := newTestService(t, baseFlags(nil), nil)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader([]byte("{not json")))
	svc.Handler().ServeHTTP(rec, httpReq)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp types.ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrorTypeValidation), resp.ErrorType)
}

func TestForwardedHopDoesNotEmit(t *testing.T) {
	emitter := &memEmitter{}
	svc := newTestService(t, baseFlags(nil), emitter)

	_, resp := doProcess(t, svc, types.ProcessRequest{
		CorrelationID: "corr-chained",
		StepName:      "Payment",
		Forwarded:     true,
	})
	assert.Equal(t, types.StepCompleted, resp.Status)
	assert.Empty(t, emitter.events())
}

func TestChainForwardsToNextHop(t *testing.T) {
	var forwarded types.ProcessRequest
	received := make(chan struct{})
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&forwarded))
		assert.Equal(t, "corr-chain", r.Header.Get("x-correlation-id"))
		_ = json.NewEncoder(w).Encode(types.ProcessResponse{Status: types.StepCompleted})
		close(received)
	}))
	defer next.Close()

	// Extract the ephemeral port the next-hop stub listens on.
	_, portStr, err := net.SplitHostPort(next.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	svc := newTestService(t, baseFlags(nil), nil)

	body, err := json.Marshal(types.ProcessRequest{
		CorrelationID: "corr-chain",
		StepName:      "Browse",
		Chain: []types.ChainHop{
			{StepName: "Payment", ServiceName: "PaymentService-Acme", Port: port},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	httpReq.Header.Set("x-correlation-id", "corr-chain")
	svc.Handler().ServeHTTP(rec, httpReq)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("next hop never received the chained call")
	}
	assert.True(t, forwarded.Forwarded)
	assert.Equal(t, "Payment", forwarded.StepName)
	assert.Empty(t, forwarded.Chain)
}
