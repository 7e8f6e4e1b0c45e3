package stepservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/tracing"
	"github.com/caravanhq/caravan/pkg/types"
)

// EventEmitter delivers business events back to the engine's event intake.
type EventEmitter interface {
	EmitBusiness(ctx context.Context, ev types.BusinessEvent) error
}

// Config identifies one child service instance.
type Config struct {
	ServiceName string
	Port        int
	Company     types.CompanyContext
	EngineURL   string
}

const (
	slowResponseMin = 500 * time.Millisecond
	slowResponseMax = 3000 * time.Millisecond

	// cacheHitRatio is the fraction of calls served from the simulated
	// cache when cache_enabled is on.
	cacheHitRatio = 0.3
)

// Service implements the child service runtime: /health and /process for
// one journey step, with flag-driven fault injection.
type Service struct {
	cfg     Config
	flags   *FlagClient
	emitter EventEmitter
	breaker *gobreaker.CircuitBreaker

	fuseMu   sync.Mutex
	fuseRate float64
	fuse     *rate.Limiter

	txCount   atomic.Uint64
	startTime time.Time
	httpc     *http.Client

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

// NewService creates a child service runtime. A nil emitter disables event
// emission.
func NewService(cfg Config, flagc *FlagClient, emitter EventEmitter) *Service {
	if flagc == nil {
		flagc = NewFlagClient(cfg.EngineURL, cfg.ServiceName)
	}
	s := &Service{
		cfg:       cfg,
		flags:     flagc,
		emitter:   emitter,
		startTime: time.Now(),
		httpc:     &http.Client{Timeout: 30 * time.Second},
		sleep:     time.Sleep,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.ServiceName,
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithService(name)
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return s
}

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/process", s.handleProcess)
	return mux
}

// handleHealth always succeeds while the process is up. Health is
// out-of-band: fault injection never applies here.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "ok",
		ServiceName: s.cfg.ServiceName,
		PID:         os.Getpid(),
		UptimeSec:   time.Since(s.startTime).Seconds(),
	})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req types.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, req, start, types.ErrorTypeValidation, "malformed process request")
		return
	}

	tx := s.txCount.Add(1)
	flags := s.flags.Effective(r.Context())

	errType, firedFlag := s.decideFault(flags, req.CorrelationID)

	if flags.Bool(types.FlagCircuitBreakerEnabled) {
		var workErr error
		if firedFlag != "" {
			workErr = fmt.Errorf("injected %s", errType)
		}
		_, err := s.breaker.Execute(func() (any, error) { return nil, workErr })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.writeInjected(w, r, req, start, types.ErrorTypeServiceUnavailable, types.FlagCircuitBreakerEnabled)
			return
		}
	}

	if firedFlag != "" {
		s.writeInjected(w, r, req, start, errType, firedFlag)
		return
	}

	if flags.Bool(types.FlagSlowResponsesEnabled) {
		spread := slowResponseMax - slowResponseMin
		s.sleep(slowResponseMin + time.Duration(rand.Int63n(int64(spread))))
	}

	cacheHit := false
	if flags.Bool(types.FlagCacheEnabled) {
		regenerateN := flags.Int(types.FlagRegenerateEveryN)
		if regenerateN < 1 {
			regenerateN = 1
		}
		// Every Nth transaction regenerates; the rest may hit the cache.
		if tx%uint64(regenerateN) != 0 && rand.Float64() < cacheHitRatio {
			cacheHit = true
		}
	}

	if !cacheHit {
		for _, sub := range req.Substeps {
			jitter := 0.8 + rand.Float64()*0.4
			s.sleep(time.Duration(float64(sub.DurationMs)*jitter) * time.Millisecond)
		}
	}

	if len(req.Chain) > 0 {
		if err := s.forwardChain(r, req); err != nil {
			logger := log.WithService(s.cfg.ServiceName)
			logger.Error().Err(err).Msg("chained forward failed")
		}
	}

	resp := types.ProcessResponse{
		Status:           types.StepCompleted,
		HTTPStatus:       http.StatusOK,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CorrelationID:    req.CorrelationID,
		StepName:         req.StepName,
		ServiceName:      s.cfg.ServiceName,
		AdditionalFields: req.AdditionalFields,
		CacheHit:         cacheHit,
	}
	s.emit(r.Context(), req, resp)
	writeJSON(w, http.StatusOK, resp)
}

// decideFault applies the documented precedence: master switch, then
// per-visit, then per-transaction, then the per-minute fuse. Returns the
// zero value when nothing fires.
func (s *Service) decideFault(flags types.FlagSet, correlationID string) (types.ErrorType, string) {
	if !flags.Bool(types.FlagErrorInjectionEnabled) {
		return "", ""
	}

	if p := flags.Float(types.FlagErrorsPerVisit); p > 0 && correlationID != "" {
		fired := s.flags.VisitDecision(correlationID, func() bool {
			return rand.Float64() < p
		})
		if fired {
			return randomErrorType(), types.FlagErrorsPerVisit
		}
	}

	if p := flags.Float(types.FlagErrorsPerTransaction); rand.Float64() < p {
		return randomErrorType(), types.FlagErrorsPerTransaction
	}

	if n := flags.Float(types.FlagErrorsPerMinute); n > 0 && s.fuseAllow(n) {
		return randomErrorType(), types.FlagErrorsPerMinute
	}

	return "", ""
}

// fuseAllow meters error injection to at most n per minute, rebuilding the
// limiter when the flag value changes.
func (s *Service) fuseAllow(n float64) bool {
	s.fuseMu.Lock()
	defer s.fuseMu.Unlock()
	if s.fuse == nil || s.fuseRate != n {
		s.fuseRate = n
		s.fuse = rate.NewLimiter(rate.Limit(n/60.0), 1)
	}
	return s.fuse.Allow()
}

func randomErrorType() types.ErrorType {
	return types.InjectableErrorTypes[rand.Intn(len(types.InjectableErrorTypes))]
}

// writeInjected produces a chaos error response naming the flag that fired.
func (s *Service) writeInjected(w http.ResponseWriter, r *http.Request, req types.ProcessRequest, start time.Time, errType types.ErrorType, firedFlag string) {
	resp := types.ProcessResponse{
		Status:           types.StepFailed,
		HTTPStatus:       errType.HTTPStatus(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CorrelationID:    req.CorrelationID,
		StepName:         req.StepName,
		ServiceName:      s.cfg.ServiceName,
		ErrorType:        string(errType),
		ErrorMessage:     errType.Message(),
		FeatureFlag:      firedFlag,
	}
	s.emit(r.Context(), req, resp)
	writeJSON(w, resp.HTTPStatus, resp)
}

// writeError produces a non-injected failure (e.g., malformed input).
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, req types.ProcessRequest, start time.Time, errType types.ErrorType, msg string) {
	resp := types.ProcessResponse{
		Status:           types.StepFailed,
		HTTPStatus:       errType.HTTPStatus(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CorrelationID:    req.CorrelationID,
		StepName:         req.StepName,
		ServiceName:      s.cfg.ServiceName,
		ErrorType:        string(errType),
		ErrorMessage:     msg,
	}
	writeJSON(w, resp.HTTPStatus, resp)
}

// emit sends the per-step business event unless this hop was a chained
// forward (forwarded hops stay silent).
func (s *Service) emit(ctx context.Context, req types.ProcessRequest, resp types.ProcessResponse) {
	if s.emitter == nil || req.Forwarded {
		return
	}
	ev := types.BusinessEvent{
		EventType:        types.EventTypeBusiness,
		CorrelationID:    req.CorrelationID,
		JourneyID:        req.JourneyID,
		StepName:         req.StepName,
		ServiceName:      s.cfg.ServiceName,
		CompanyName:      s.cfg.Company.CompanyName,
		Status:           string(resp.Status),
		ProcessingTimeMs: resp.ProcessingTimeMs,
		AdditionalFields: req.AdditionalFields,
		Timestamp:        time.Now(),
	}
	if err := s.emitter.EmitBusiness(ctx, ev); err != nil {
		logger := log.WithService(s.cfg.ServiceName)
		logger.Warn().Err(err).Msg("business event emission failed")
	}
}

// forwardChain calls the next hop's /process with the remaining chain,
// propagating tracing headers.
func (s *Service) forwardChain(r *http.Request, req types.ProcessRequest) error {
	next := req.Chain[0]
	fwd := types.ProcessRequest{
		CorrelationID:    req.CorrelationID,
		JourneyID:        req.JourneyID,
		StepName:         next.StepName,
		StepIndex:        req.StepIndex + 1,
		Substeps:         next.Substeps,
		CustomerProfile:  req.CustomerProfile,
		AdditionalFields: req.AdditionalFields,
		Chain:            req.Chain[1:],
		Forwarded:        true,
	}

	body, err := json.Marshal(fwd)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("http://127.0.0.1:%d/process", next.Port)
	out, err := http.NewRequestWithContext(r.Context(), http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	out.Header.Set("Content-Type", "application/json")
	tracing.Propagate(out, r.Header)

	resp, err := s.httpc.Do(out)
	if err != nil {
		return fmt.Errorf("forward to %s failed: %w", next.ServiceName, err)
	}
	defer resp.Body.Close()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
