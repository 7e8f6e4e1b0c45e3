package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caravanhq/caravan/pkg/configstore"
	"github.com/caravanhq/caravan/pkg/orchestrator"
	"github.com/caravanhq/caravan/pkg/types"
)

// simulateRequest is the body of both simulate endpoints. Journey failures
// are reported in the 200 response body; only malformed requests and
// launch failures produce error statuses.
type simulateRequest struct {
	types.JourneySpec
	Chained bool `json:"chained,omitempty"`
	// ThinkTimeMs pauses the journey after each completed step.
	ThinkTimeMs int64 `json:"thinkTimeMs,omitempty"`
	Customers   int   `json:"customers,omitempty"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	spec, opts, ok := s.decodeSimulate(w, r)
	if !ok {
		return
	}
	result, err := s.runner.SimulateJourney(r.Context(), spec, opts)
	if err != nil {
		respondError(w, http.StatusBadGateway, "journey launch failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleSimulateMultiple(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec, opts, ok := s.validateSimulate(w, req)
	if !ok {
		return
	}
	if req.Customers < 1 {
		req.Customers = 1
	}
	results, err := s.runner.SimulateMultipleCustomers(r.Context(), spec, req.Customers, opts)
	if err != nil {
		respondError(w, http.StatusBadGateway, "journey launch failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) decodeSimulate(w http.ResponseWriter, r *http.Request) (types.JourneySpec, orchestrator.RunOptions, bool) {
	var req simulateRequest
	if !decodeBody(w, r, &req) {
		return types.JourneySpec{}, orchestrator.RunOptions{}, false
	}
	return s.validateSimulate(w, req)
}

func (s *Server) validateSimulate(w http.ResponseWriter, req simulateRequest) (types.JourneySpec, orchestrator.RunOptions, bool) {
	if req.CompanyName == "" {
		respondError(w, http.StatusBadRequest, "companyName is required", nil)
		return types.JourneySpec{}, orchestrator.RunOptions{}, false
	}
	for i := range req.Steps {
		if req.Steps[i].StepName == "" {
			respondError(w, http.StatusBadRequest, "every step needs a stepName", nil)
			return types.JourneySpec{}, orchestrator.RunOptions{}, false
		}
	}
	if req.ThinkTimeMs < 0 {
		respondError(w, http.StatusBadRequest, "thinkTimeMs must not be negative", nil)
		return types.JourneySpec{}, orchestrator.RunOptions{}, false
	}
	if req.JourneyID == "" {
		req.JourneyID = uuid.NewString()
	}
	opts := orchestrator.RunOptions{
		Chained:     req.Chained,
		TriggeredBy: "api",
		ThinkTime:   time.Duration(req.ThinkTimeMs) * time.Millisecond,
	}
	return req.JourneySpec, opts, true
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"configs": s.configs.List(),
	})
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg configstore.JourneyConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if cfg.CompanyName == "" {
		respondError(w, http.StatusBadRequest, "companyName is required", nil)
		return
	}
	saved, err := s.configs.Save(cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "saving configuration failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"config":  saved,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, notFoundStatus(err), "configuration not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config":  cfg,
	})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.configs.Delete(chi.URLParam(r, "id")); err != nil {
		respondError(w, notFoundStatus(err), "configuration not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// notFoundStatus maps store sentinel errors onto HTTP statuses.
func notFoundStatus(err error) int {
	if errors.Is(err, configstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
