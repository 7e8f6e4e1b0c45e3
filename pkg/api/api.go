// Package api serves the engine's public JSON HTTP surface: journey
// simulation, feature-flag management, remediation hooks, and admin
// introspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/caravanhq/caravan/pkg/autoload"
	"github.com/caravanhq/caravan/pkg/configstore"
	"github.com/caravanhq/caravan/pkg/events"
	"github.com/caravanhq/caravan/pkg/flags"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/orchestrator"
	"github.com/caravanhq/caravan/pkg/tracing"
	"github.com/caravanhq/caravan/pkg/types"
)

// JourneyRunner executes simulations. The orchestrator satisfies it.
type JourneyRunner interface {
	SimulateJourney(ctx context.Context, spec types.JourneySpec, opts orchestrator.RunOptions) (types.JourneyRunResult, error)
	SimulateMultipleCustomers(ctx context.Context, spec types.JourneySpec, customers int, opts orchestrator.RunOptions) ([]types.JourneyRunResult, error)
}

// ServiceAdmin is the slice of the supervisor the API exposes.
type ServiceAdmin interface {
	Inventory() []types.ServiceRecord
	InventoryByCompany() map[string][]types.ServiceRecord
	PerformHealthCheck(ctx context.Context) (healthy, unhealthy int)
	EnsureService(ctx context.Context, step types.StepSpec, company types.CompanyContext) (types.ServiceRecord, error)
	StopAll()
}

// PortAdmin is the slice of the port allocator the API exposes.
type PortAdmin interface {
	Snapshot() []types.PortAllocation
	Range() (min, max int)
	CleanupStale() int
}

// Server wires the handlers to their collaborators.
type Server struct {
	runner    JourneyRunner
	flags     *flags.Store
	services  ServiceAdmin
	ports     PortAdmin
	fanout    *events.Fanout
	configs   *configstore.Store
	autoload  *autoload.Generator
	preserved []string
	started   time.Time
}

// Config carries the server's collaborators. Autoload may be nil when the
// generator is disabled.
type Config struct {
	Runner    JourneyRunner
	Flags     *flags.Store
	Services  ServiceAdmin
	Ports     PortAdmin
	Fanout    *events.Fanout
	Configs   *configstore.Store
	AutoLoad  *autoload.Generator
	Preserved []string
}

func NewServer(cfg Config) *Server {
	return &Server{
		runner:    cfg.Runner,
		flags:     cfg.Flags,
		services:  cfg.Services,
		ports:     cfg.Ports,
		fanout:    cfg.Fanout,
		configs:   cfg.Configs,
		autoload:  cfg.AutoLoad,
		preserved: cfg.Preserved,
		started:   time.Now(),
	}
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlationID)
	r.Use(requestLogger)
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/journey", func(r chi.Router) {
		r.Post("/simulate", s.handleSimulate)
		r.Post("/simulate-multiple", s.handleSimulateMultiple)
		r.Get("/configs", s.handleListConfigs)
		r.Post("/configs", s.handleSaveConfig)
		r.Get("/configs/{id}", s.handleGetConfig)
		r.Delete("/configs/{id}", s.handleDeleteConfig)
	})

	r.Route("/api/feature_flag", func(r chi.Router) {
		r.Get("/", s.handleGetFlags)
		r.Get("/{name}", s.handleGetFlag)
		r.Put("/{name}", s.handleSetFlag)
		r.Delete("/{name}", s.handleResetFlag)
		r.Delete("/service/{service}", s.handleClearServiceOverrides)
	})

	r.Route("/api/remediation", func(r chi.Router) {
		r.Post("/feature-flag", s.handleRemediateFlag)
		r.Post("/feature-flags/bulk", s.handleRemediateBulk)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/services", s.handleServices)
		r.Get("/services/status", s.handleServicesStatus)
		r.Post("/reset-and-restart", s.handleResetAndRestart)
	})

	r.Get("/api/ports", s.handlePorts)
	r.Post("/api/ports/cleanup", s.handlePortsCleanup)
	r.Post("/api/events/business", s.handleBusinessEventIntake)

	return r
}

// correlationID echoes an inbound correlation id or mints one.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(tracing.HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(tracing.HeaderCorrelationID, id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string, details any) {
	body := map[string]any{
		"success": false,
		"error":   msg,
	}
	if details != nil {
		body["details"] = details
	}
	respondJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptimeSec": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	healthy, unhealthy := 0, 0
	if s.services != nil {
		healthy, unhealthy = s.services.PerformHealthCheck(r.Context())
	}
	body := map[string]any{
		"success":           true,
		"status":            health.Status,
		"version":           health.Version,
		"components":        health.Components,
		"servicesHealthy":   healthy,
		"servicesUnhealthy": unhealthy,
		"uptimeSec":         time.Since(s.started).Seconds(),
	}
	if s.fanout != nil {
		body["events"] = s.fanout.Stats()
	}
	if s.autoload != nil {
		body["autoload"] = s.autoload.Status()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleBusinessEventIntake(w http.ResponseWriter, r *http.Request) {
	var ev types.BusinessEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.ServiceName == "" {
		respondError(w, http.StatusBadRequest, "serviceName is required", nil)
		return
	}
	if ev.EventType == "" {
		ev.EventType = types.EventTypeBusiness
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.fanout.PublishBusiness(ev)
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	min, max := s.ports.Range()
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"range":       fmt.Sprintf("%d-%d", min, max),
		"allocations": s.ports.Snapshot(),
	})
}

func (s *Server) handlePortsCleanup(w http.ResponseWriter, r *http.Request) {
	reclaimed := s.ports.CleanupStale()
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"reclaimed": reclaimed,
	})
}
