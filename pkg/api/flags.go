package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caravanhq/caravan/pkg/flags"
	"github.com/caravanhq/caravan/pkg/types"
)

// handleGetFlags returns flags plus the currently-running service inventory.
// Overrides are keyed by service name only; the companyName and journey
// filters narrow the inventory view, the flag values stay global.
func (s *Server) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if service := q.Get("service"); service != "" {
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"service": service,
			"flags":   s.flags.GetEffective(service),
		})
		return
	}

	inventory := s.services.Inventory()
	if company := q.Get("companyName"); company != "" {
		inventory = filterByCompany(inventory, company)
	}
	if journey := q.Get("journey"); journey != "" {
		inventory = filterByJourney(inventory, journey)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"flags":     s.flags.GetGlobal(),
		"overrides": s.flags.GetOverrides(),
		"services":  inventory,
	})
}

func filterByCompany(records []types.ServiceRecord, company string) []types.ServiceRecord {
	out := records[:0:0]
	for _, rec := range records {
		if rec.Company.CompanyName == company {
			out = append(out, rec)
		}
	}
	return out
}

func filterByJourney(records []types.ServiceRecord, journey string) []types.ServiceRecord {
	out := records[:0:0]
	for _, rec := range records {
		if rec.Company.JourneyType == journey {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !flags.Known(name) {
		respondError(w, http.StatusNotFound, "unknown feature flag", name)
		return
	}
	global := s.flags.GetGlobal()
	body := map[string]any{
		"success": true,
		"name":    name,
		"value":   global[name],
	}
	if service := r.URL.Query().Get("service"); service != "" {
		body["value"] = s.flags.GetEffective(service)[name]
		body["service"] = service
	}
	respondJSON(w, http.StatusOK, body)
}

type setFlagRequest struct {
	Value         any    `json:"value"`
	TargetService string `json:"targetService,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TriggeredBy   string `json:"triggeredBy,omitempty"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setFlagRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}
	if err := s.mutateFlag(name, req, ""); err != nil {
		respondFlagError(w, err)
		return
	}
	s.respondFlagState(w, req.TargetService)
}

// mutateFlag applies one mutation, global unless targetService is set.
func (s *Server) mutateFlag(name string, req setFlagRequest, problemID string) error {
	if req.TargetService != "" {
		set := types.FlagSet{name: req.Value}
		_, err := s.flags.SetServiceOverrideForProblem(req.TargetService, set, req.Reason, req.TriggeredBy, problemID)
		return err
	}
	_, err := s.flags.SetGlobalForProblem(name, req.Value, req.Reason, req.TriggeredBy, problemID)
	return err
}

func (s *Server) handleResetFlag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if target := r.URL.Query().Get("targetService"); target != "" {
		if err := s.flags.ClearServiceOverrideKey(target, name); err != nil {
			respondFlagError(w, err)
			return
		}
		s.respondFlagState(w, target)
		return
	}
	if _, err := s.flags.ResetGlobal(name, "", "api"); err != nil {
		respondFlagError(w, err)
		return
	}
	s.respondFlagState(w, "")
}

func (s *Server) handleClearServiceOverrides(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := s.flags.ClearServiceOverride(service); err != nil {
		respondFlagError(w, err)
		return
	}
	s.respondFlagState(w, service)
}

// remediationRequest is what the observability platform's workflow engine
// posts back when it reacts to a problem.
type remediationRequest struct {
	FlagName      string `json:"flagName"`
	Value         any    `json:"value"`
	TargetService string `json:"targetService,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ProblemID     string `json:"problemId,omitempty"`
}

func (s *Server) handleRemediateFlag(w http.ResponseWriter, r *http.Request) {
	var req remediationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FlagName == "" {
		respondError(w, http.StatusBadRequest, "flagName is required", nil)
		return
	}
	err := s.mutateFlag(req.FlagName, setFlagRequest{
		Value:         req.Value,
		TargetService: req.TargetService,
		Reason:        req.Reason,
		TriggeredBy:   "workflow",
	}, req.ProblemID)
	if err != nil {
		respondFlagError(w, err)
		return
	}
	s.respondFlagState(w, req.TargetService)
}

func (s *Server) handleRemediateBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []remediationRequest
	if !decodeBody(w, r, &reqs) {
		return
	}
	applied := 0
	failures := map[string]string{}
	for _, req := range reqs {
		if req.FlagName == "" {
			failures[""] = "flagName is required"
			continue
		}
		err := s.mutateFlag(req.FlagName, setFlagRequest{
			Value:         req.Value,
			TargetService: req.TargetService,
			Reason:        req.Reason,
			TriggeredBy:   "workflow",
		}, req.ProblemID)
		if err != nil {
			failures[req.FlagName] = err.Error()
			continue
		}
		applied++
	}
	status := http.StatusOK
	if applied == 0 && len(failures) > 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, map[string]any{
		"success":  len(failures) == 0,
		"applied":  applied,
		"failures": failures,
		"flags":    s.flags.GetGlobal(),
	})
}

func (s *Server) respondFlagState(w http.ResponseWriter, service string) {
	body := map[string]any{
		"success": true,
		"flags":   s.flags.GetGlobal(),
	}
	if service != "" {
		body["service"] = service
		body["effective"] = s.flags.GetEffective(service)
	}
	respondJSON(w, http.StatusOK, body)
}

func respondFlagError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flags.ErrUnknownFlag):
		respondError(w, http.StatusNotFound, "unknown feature flag", err.Error())
	case errors.Is(err, flags.ErrInvalidValue):
		respondError(w, http.StatusBadRequest, "invalid flag value", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "flag mutation failed", err.Error())
	}
}
