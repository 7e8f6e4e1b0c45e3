package api

import (
	"net/http"
	"time"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	inventory := s.services.Inventory()
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(inventory),
		"services": inventory,
	})
}

func (s *Server) handleServicesStatus(w http.ResponseWriter, r *http.Request) {
	healthy, unhealthy := s.services.PerformHealthCheck(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"healthy":   healthy,
		"unhealthy": unhealthy,
		"byCompany": s.services.InventoryByCompany(),
	})
}

// handleResetAndRestart tears down every child, sweeps ports, and brings
// the preserved infrastructure set back up.
func (s *Server) handleResetAndRestart(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	logger.Warn().Msg("Reset and restart requested")

	s.services.StopAll()
	reclaimed := s.ports.CleanupStale()

	restarted := make([]types.ServiceRecord, 0, len(s.preserved))
	var failures []string
	for _, name := range s.preserved {
		step := types.StepSpec{StepName: name, ServiceName: name}
		rec, err := s.services.EnsureService(r.Context(), step, types.CompanyContext{CompanyName: "infrastructure"})
		if err != nil {
			logger.Error().Err(err).Str("service", name).Msg("Failed to restart preserved service")
			failures = append(failures, name)
			continue
		}
		restarted = append(restarted, rec)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":   len(failures) == 0,
		"reclaimed": reclaimed,
		"restarted": restarted,
		"failed":    failures,
		"at":        time.Now().UTC(),
	})
}
