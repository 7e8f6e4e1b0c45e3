// Package orchestrator drives synthetic customer journeys against the
// fleet of child step services managed by the supervisor.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/tracing"
	"github.com/caravanhq/caravan/pkg/types"
)

// ServiceManager is the slice of the supervisor the orchestrator needs.
type ServiceManager interface {
	EnsureJourney(ctx context.Context, spec types.JourneySpec) ([]types.ServiceRecord, error)
	StopCustomerJourneyServices()
}

// PortReclaimer sweeps allocations whose owning process is gone. The port
// allocator satisfies it.
type PortReclaimer interface {
	CleanupStale() int
}

// BusinessPublisher receives journey-level business events. The event
// fanout satisfies it.
type BusinessPublisher interface {
	PublishBusiness(ev types.BusinessEvent)
}

// Config tunes journey execution.
type Config struct {
	// StepTimeout bounds each /process call in orchestrated mode and the
	// single entry call in chained mode.
	StepTimeout time.Duration
	// SettleTime is the pause between tearing down a company's previous
	// services and launching fresh ones.
	SettleTime time.Duration
}

// RunOptions selects per-run behavior.
type RunOptions struct {
	// Chained hands the full hop list to the first service, which forwards
	// the request downstream itself. Only the entry hop is observed
	// directly; later hops report through business events alone.
	Chained bool
	// TriggeredBy is recorded on the completion event ("api", "autoload").
	TriggeredBy string
	// ThinkTime is the pause after each completed step in orchestrated
	// mode, simulating a customer reading the page before moving on. No
	// pause after the final step, after failures, or in chained mode.
	ThinkTime time.Duration
}

// Orchestrator executes journeys. Safe for concurrent use.
type Orchestrator struct {
	manager   ServiceManager
	reclaimer PortReclaimer
	publisher BusinessPublisher
	cfg       Config
	client    *http.Client

	// sleep is swapped in tests
	sleep func(time.Duration)
}

func New(manager ServiceManager, reclaimer PortReclaimer, publisher BusinessPublisher, cfg Config) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Orchestrator{
		manager:   manager,
		reclaimer: reclaimer,
		publisher: publisher,
		cfg:       cfg,
		client:    &http.Client{},
		sleep:     time.Sleep,
	}
}

// SimulateJourney tears down the company's previous services, launches the
// fleet for this journey, and runs the steps. A journey with zero steps is
// trivially completed. Step failures do not abort the run; the journey
// continues and the aggregate status reflects how many steps succeeded.
func (o *Orchestrator) SimulateJourney(ctx context.Context, spec types.JourneySpec, opts RunOptions) (types.JourneyRunResult, error) {
	records, err := o.prepare(ctx, spec)
	if err != nil {
		return types.JourneyRunResult{}, err
	}
	return o.run(ctx, spec, records, opts, "")
}

// SimulateMultipleCustomers launches the fleet once and then runs the
// journey for each synthetic customer in turn, each with its own
// correlation id. Results are returned in execution order.
func (o *Orchestrator) SimulateMultipleCustomers(ctx context.Context, spec types.JourneySpec, customers int, opts RunOptions) ([]types.JourneyRunResult, error) {
	if customers < 1 {
		customers = 1
	}
	records, err := o.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	results := make([]types.JourneyRunResult, 0, customers)
	for i := 0; i < customers; i++ {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := o.run(ctx, spec, records, opts, fmt.Sprintf("customer-%d", i+1))
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// prepare enforces the clean-slate rule: a company's previous journey
// services are stopped and their ports reclaimed before new ones launch.
func (o *Orchestrator) prepare(ctx context.Context, spec types.JourneySpec) ([]types.ServiceRecord, error) {
	logger := log.WithJourney(spec.JourneyID)

	o.manager.StopCustomerJourneyServices()
	if o.cfg.SettleTime > 0 {
		o.sleep(o.cfg.SettleTime)
	}
	if o.reclaimer != nil {
		if n := o.reclaimer.CleanupStale(); n > 0 {
			logger.Info().Int("reclaimed", n).Msg("Reclaimed stale ports before journey launch")
		}
	}

	records, err := o.manager.EnsureJourney(ctx, spec)
	if err != nil {
		metrics.JourneysTotal.WithLabelValues(string(types.JourneyFailed)).Inc()
		return nil, fmt.Errorf("launching journey services: %w", err)
	}
	return records, nil
}

func (o *Orchestrator) run(ctx context.Context, spec types.JourneySpec, records []types.ServiceRecord, opts RunOptions, customerID string) (types.JourneyRunResult, error) {
	correlationID := uuid.NewString()
	logger := log.WithCorrelation(correlationID)

	result := types.JourneyRunResult{
		JourneyID:     spec.JourneyID,
		CorrelationID: correlationID,
		CompanyName:   spec.CompanyName,
		StartedAt:     time.Now(),
	}
	timer := metrics.NewTimer()

	byName := make(map[string]types.ServiceRecord, len(records))
	for _, r := range records {
		byName[r.ServiceName] = r
	}

	if opts.Chained {
		result.Steps = o.runChained(ctx, spec, byName, correlationID, customerID)
	} else {
		result.Steps = o.runOrchestrated(ctx, spec, byName, correlationID, customerID, opts.ThinkTime)
	}

	result.EndedAt = time.Now()
	result.Status = aggregateStatus(result.Steps)
	timer.ObserveDuration(metrics.JourneyDuration)
	metrics.JourneysTotal.WithLabelValues(string(result.Status)).Inc()

	o.emitCompletion(spec, result, opts.TriggeredBy)
	logger.Info().
		Str("journey_id", spec.JourneyID).
		Str("status", string(result.Status)).
		Int("steps", len(result.Steps)).
		Msg("Journey finished")
	return result, nil
}

// runOrchestrated calls every step's /process in declared order. A failed
// step is recorded and the journey moves on.
func (o *Orchestrator) runOrchestrated(ctx context.Context, spec types.JourneySpec, byName map[string]types.ServiceRecord, correlationID, customerID string, thinkTime time.Duration) []types.StepResult {
	results := make([]types.StepResult, 0, len(spec.Steps))
	for i, step := range spec.Steps {
		name := types.DeriveServiceName(step.StepName, spec.CompanyName)
		rec, ok := byName[name]
		if !ok {
			results = append(results, types.StepResult{
				StepName:      step.StepName,
				ServiceName:   name,
				Status:        types.StepSkipped,
				ErrorMessage:  "no live service for step",
				CorrelationID: correlationID,
			})
			metrics.StepsTotal.WithLabelValues(string(types.StepSkipped)).Inc()
			continue
		}

		req := types.ProcessRequest{
			CorrelationID:    correlationID,
			JourneyID:        spec.JourneyID,
			StepName:         step.StepName,
			StepIndex:        step.StepIndex,
			Substeps:         step.Substeps,
			CustomerProfile:  spec.CustomerProfile,
			AdditionalFields: spec.AdditionalFields,
		}
		res := o.callStep(ctx, rec, req, correlationID, customerID)
		results = append(results, res)
		if thinkTime > 0 && res.Status == types.StepCompleted && i < len(spec.Steps)-1 {
			o.sleep(thinkTime)
		}
	}
	return results
}

// runChained hands the remaining hops to the first service and records only
// the entry hop's outcome. Downstream hops are visible solely through the
// business events the services emit themselves.
func (o *Orchestrator) runChained(ctx context.Context, spec types.JourneySpec, byName map[string]types.ServiceRecord, correlationID, customerID string) []types.StepResult {
	if len(spec.Steps) == 0 {
		return nil
	}
	first := spec.Steps[0]
	firstName := types.DeriveServiceName(first.StepName, spec.CompanyName)
	rec, ok := byName[firstName]
	if !ok {
		metrics.StepsTotal.WithLabelValues(string(types.StepSkipped)).Inc()
		return []types.StepResult{{
			StepName:      first.StepName,
			ServiceName:   firstName,
			Status:        types.StepSkipped,
			ErrorMessage:  "no live service for entry step",
			CorrelationID: correlationID,
		}}
	}

	chain := make([]types.ChainHop, 0, len(spec.Steps)-1)
	for _, step := range spec.Steps[1:] {
		name := types.DeriveServiceName(step.StepName, spec.CompanyName)
		hop, ok := byName[name]
		if !ok {
			hopLogger := log.WithCorrelation(correlationID)
			hopLogger.Warn().
				Str("service", name).
				Msg("Chained hop has no live service, dropping from chain")
			continue
		}
		chain = append(chain, types.ChainHop{
			StepName:    step.StepName,
			ServiceName: name,
			Port:        hop.Port,
			Substeps:    step.Substeps,
		})
	}

	req := types.ProcessRequest{
		CorrelationID:    correlationID,
		JourneyID:        spec.JourneyID,
		StepName:         first.StepName,
		StepIndex:        first.StepIndex,
		Substeps:         first.Substeps,
		CustomerProfile:  spec.CustomerProfile,
		AdditionalFields: spec.AdditionalFields,
		Chain:            chain,
	}
	return []types.StepResult{o.callStep(ctx, rec, req, correlationID, customerID)}
}

func (o *Orchestrator) callStep(ctx context.Context, rec types.ServiceRecord, req types.ProcessRequest, correlationID, customerID string) types.StepResult {
	result := types.StepResult{
		StepName:      req.StepName,
		ServiceName:   rec.ServiceName,
		CorrelationID: correlationID,
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		result.Status = types.StepFailed
		result.ErrorMessage = err.Error()
		metrics.StepsTotal.WithLabelValues(string(types.StepFailed)).Inc()
		return result
	}

	httpReq, err := http.NewRequestWithContext(stepCtx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/process", rec.Port), bytes.NewReader(body))
	if err != nil {
		result.Status = types.StepFailed
		result.ErrorMessage = err.Error()
		metrics.StepsTotal.WithLabelValues(string(types.StepFailed)).Inc()
		return result
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.Set(httpReq.Header, correlationID, "", correlationID, customerID)

	start := time.Now()
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		result.Status = types.StepFailed
		result.ErrorMessage = err.Error()
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		metrics.StepsTotal.WithLabelValues(string(types.StepFailed)).Inc()
		svcLogger := log.WithService(rec.ServiceName)
		svcLogger.Warn().Err(err).Msg("Step call failed, continuing journey")
		return result
	}
	defer httpResp.Body.Close()

	var resp types.ProcessResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		result.Status = types.StepFailed
		result.HTTPStatus = httpResp.StatusCode
		result.ErrorMessage = fmt.Sprintf("decoding step response: %v", err)
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		metrics.StepsTotal.WithLabelValues(string(types.StepFailed)).Inc()
		return result
	}

	result.Status = resp.Status
	result.HTTPStatus = httpResp.StatusCode
	result.ProcessingTimeMs = resp.ProcessingTimeMs
	result.ErrorType = resp.ErrorType
	result.ErrorMessage = resp.ErrorMessage
	if result.Status == "" {
		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			result.Status = types.StepCompleted
		} else {
			result.Status = types.StepFailed
		}
	}
	metrics.StepsTotal.WithLabelValues(string(result.Status)).Inc()
	return result
}

func (o *Orchestrator) emitCompletion(spec types.JourneySpec, result types.JourneyRunResult, triggeredBy string) {
	if o.publisher == nil {
		return
	}
	fields := map[string]any{
		"steps.total":     len(result.Steps),
		"steps.completed": countStatus(result.Steps, types.StepCompleted),
		"steps.failed":    countStatus(result.Steps, types.StepFailed),
	}
	if triggeredBy != "" {
		fields["triggered.by"] = triggeredBy
	}
	o.publisher.PublishBusiness(types.BusinessEvent{
		EventType:        types.EventTypeBusiness,
		CorrelationID:    result.CorrelationID,
		JourneyID:        spec.JourneyID,
		StepName:         "journey_completed",
		CompanyName:      spec.CompanyName,
		Status:           string(result.Status),
		ProcessingTimeMs: result.EndedAt.Sub(result.StartedAt).Milliseconds(),
		AdditionalFields: fields,
		Timestamp:        time.Now(),
	})
}

// aggregateStatus folds step outcomes into the journey status. No steps at
// all means there was nothing to fail.
func aggregateStatus(steps []types.StepResult) types.JourneyStatus {
	if len(steps) == 0 {
		return types.JourneyCompleted
	}
	completed := countStatus(steps, types.StepCompleted)
	switch {
	case completed == len(steps):
		return types.JourneyCompleted
	case completed > 0:
		return types.JourneyPartial
	default:
		return types.JourneyFailed
	}
}

func countStatus(steps []types.StepResult, status types.StepStatus) int {
	n := 0
	for _, s := range steps {
		if s.Status == status {
			n++
		}
	}
	return n
}
