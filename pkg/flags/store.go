package flags

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/types"
)

const stateFile = "feature-flags.json"

// ChangeSink receives a ChangeEvent for every successful mutation.
// Implemented by the event fan-out.
type ChangeSink interface {
	PublishChange(ev types.ChangeEvent)
}

// Store is the authority for feature flag state: a complete global set plus
// partial per-service overrides. Reads go through an atomically swapped
// immutable snapshot so they never block mutations.
type Store struct {
	mu       sync.Mutex // serializes mutations
	snapshot atomic.Pointer[types.FlagState]
	path     string
	sink     ChangeSink
}

// NewStore loads persisted flag state from dataDir, falling back to
// defaults. sink may be nil, in which case change events are not emitted.
func NewStore(dataDir string, sink ChangeSink) (*Store, error) {
	s := &Store{
		path: filepath.Join(dataDir, stateFile),
		sink: sink,
	}

	state := types.FlagState{
		Global:    types.DefaultFlags(),
		Overrides: make(map[string]types.FlagSet),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var persisted types.FlagState
		if err := json.Unmarshal(data, &persisted); err != nil {
			return nil, fmt.Errorf("failed to parse flag state: %w", err)
		}
		// Overlay persisted global values on the defaults so flags added in
		// newer versions pick up their documented default.
		for k, v := range persisted.Global {
			norm, err := Validate(k, v)
			if err != nil {
				logger := log.WithComponent("flags")
				logger.Warn().Str("flag", k).Err(err).Msg("dropping invalid persisted flag value")
				continue
			}
			state.Global[k] = norm
		}
		for svc, ov := range persisted.Overrides {
			clean := make(types.FlagSet, len(ov))
			for k, v := range ov {
				norm, err := Validate(k, v)
				if err != nil {
					logger := log.WithComponent("flags")
					logger.Warn().Str("flag", k).Str("service_name", svc).Err(err).Msg("dropping invalid persisted override")
					continue
				}
				clean[k] = norm
			}
			if len(clean) > 0 {
				state.Overrides[svc] = clean
			}
		}
	case os.IsNotExist(err):
		// First run, start from defaults.
	default:
		return nil, fmt.Errorf("failed to read flag state: %w", err)
	}

	s.snapshot.Store(&state)
	return s, nil
}

// GetEffective merges the global set with serviceName's overrides.
// Override wins per key.
func (s *Store) GetEffective(serviceName string) types.FlagSet {
	state := s.snapshot.Load()
	return state.Global.Merge(state.Overrides[serviceName])
}

// GetGlobal returns a copy of the complete global flag set.
func (s *Store) GetGlobal() types.FlagSet {
	return s.snapshot.Load().Global.Clone()
}

// GetOverrides returns a copy of every per-service partial flag set.
func (s *Store) GetOverrides() map[string]types.FlagSet {
	state := s.snapshot.Load()
	out := make(map[string]types.FlagSet, len(state.Overrides))
	for svc, ov := range state.Overrides {
		out[svc] = ov.Clone()
	}
	return out
}

// SetGlobal mutates one global flag. The new state is persisted before the
// call acknowledges; a ChangeEvent is emitted after the write completes.
func (s *Store) SetGlobal(key string, value any, reason, triggeredBy string) (types.ChangeEvent, error) {
	return s.setGlobal(key, value, reason, triggeredBy, "")
}

// SetGlobalForProblem is SetGlobal carrying the observability platform's
// problem id, used by remediation workflows.
func (s *Store) SetGlobalForProblem(key string, value any, reason, triggeredBy, problemID string) (types.ChangeEvent, error) {
	return s.setGlobal(key, value, reason, triggeredBy, problemID)
}

func (s *Store) setGlobal(key string, value any, reason, triggeredBy, problemID string) (types.ChangeEvent, error) {
	norm, err := Validate(key, value)
	if err != nil {
		return types.ChangeEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.cloneState()
	prev := state.Global[key]
	state.Global[key] = norm

	ev := types.ChangeEvent{
		EventType:     types.EventTypeChange,
		FlagName:      key,
		PreviousValue: prev,
		NewValue:      norm,
		Scope:         types.ScopeGlobal,
		Reason:        reason,
		TriggeredBy:   triggeredBy,
		ProblemID:     problemID,
		Timestamp:     time.Now(),
	}

	if err := s.commit(state); err != nil {
		return types.ChangeEvent{}, err
	}
	metrics.FlagMutationsTotal.WithLabelValues("global").Inc()
	s.emit(ev)
	return ev, nil
}

// SetServiceOverride applies a partial flag set as overrides for
// serviceName. The whole set is validated before any state changes; one
// ChangeEvent is emitted per key.
func (s *Store) SetServiceOverride(serviceName string, set types.FlagSet, reason, triggeredBy string) ([]types.ChangeEvent, error) {
	return s.SetServiceOverrideForProblem(serviceName, set, reason, triggeredBy, "")
}

// SetServiceOverrideForProblem is SetServiceOverride carrying a problem id.
func (s *Store) SetServiceOverrideForProblem(serviceName string, set types.FlagSet, reason, triggeredBy, problemID string) ([]types.ChangeEvent, error) {
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty override set", ErrInvalidValue)
	}
	normalized := make(types.FlagSet, len(set))
	for k, v := range set {
		norm, err := Validate(k, v)
		if err != nil {
			return nil, err
		}
		normalized[k] = norm
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.cloneState()
	prevOverride := state.Overrides[serviceName]

	merged := prevOverride.Clone()
	if merged == nil {
		merged = make(types.FlagSet)
	}
	scope := types.ScopeServicePrefix + serviceName
	now := time.Now()

	var evs []types.ChangeEvent
	for k, v := range normalized {
		var prev any
		if prevOverride != nil {
			prev = prevOverride[k]
		}
		if prev == nil {
			prev = state.Global[k]
		}
		merged[k] = v
		evs = append(evs, types.ChangeEvent{
			EventType:     types.EventTypeChange,
			FlagName:      k,
			PreviousValue: prev,
			NewValue:      v,
			Scope:         scope,
			Reason:        reason,
			TriggeredBy:   triggeredBy,
			ProblemID:     problemID,
			Timestamp:     now,
		})
	}
	state.Overrides[serviceName] = merged

	if err := s.commit(state); err != nil {
		return nil, err
	}
	metrics.FlagMutationsTotal.WithLabelValues("service").Inc()
	for _, ev := range evs {
		s.emit(ev)
	}
	return evs, nil
}

// ClearServiceOverride removes all overrides for serviceName. Idempotent.
func (s *Store) ClearServiceOverride(serviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.cloneState()
	if _, ok := state.Overrides[serviceName]; !ok {
		return nil
	}
	delete(state.Overrides, serviceName)
	return s.commit(state)
}

// ClearServiceOverrideKey removes a single flag's override for serviceName.
func (s *Store) ClearServiceOverrideKey(serviceName, key string) error {
	if !Known(key) {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.cloneState()
	ov, ok := state.Overrides[serviceName]
	if !ok {
		return nil
	}
	if _, ok := ov[key]; !ok {
		return nil
	}
	delete(ov, key)
	if len(ov) == 0 {
		delete(state.Overrides, serviceName)
	} else {
		state.Overrides[serviceName] = ov
	}
	return s.commit(state)
}

// ResetGlobal restores one flag to its documented default and emits a
// ChangeEvent.
func (s *Store) ResetGlobal(key, reason, triggeredBy string) (types.ChangeEvent, error) {
	defaults := types.DefaultFlags()
	def, ok := defaults[key]
	if !ok {
		return types.ChangeEvent{}, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	return s.setGlobal(key, def, reason, triggeredBy, "")
}

// ResetAll restores every global flag to its default and clears all
// overrides.
func (s *Store) ResetAll(reason, triggeredBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snapshot.Load()
	state := types.FlagState{
		Global:    types.DefaultFlags(),
		Overrides: make(map[string]types.FlagSet),
	}

	now := time.Now()
	var evs []types.ChangeEvent
	for k, def := range state.Global {
		if prevVal, ok := prev.Global[k]; ok && prevVal != def {
			evs = append(evs, types.ChangeEvent{
				EventType:     types.EventTypeChange,
				FlagName:      k,
				PreviousValue: prevVal,
				NewValue:      def,
				Scope:         types.ScopeGlobal,
				Reason:        reason,
				TriggeredBy:   triggeredBy,
				Timestamp:     now,
			})
		}
	}

	if err := s.commit(state); err != nil {
		return err
	}
	metrics.FlagMutationsTotal.WithLabelValues("global").Inc()
	for _, ev := range evs {
		s.emit(ev)
	}
	return nil
}

// cloneState deep-copies the current snapshot for mutation. Callers must
// hold s.mu.
func (s *Store) cloneState() types.FlagState {
	cur := s.snapshot.Load()
	state := types.FlagState{
		Global:    cur.Global.Clone(),
		Overrides: make(map[string]types.FlagSet, len(cur.Overrides)),
	}
	for svc, ov := range cur.Overrides {
		state.Overrides[svc] = ov.Clone()
	}
	return state
}

// commit persists the new state and, only on success, swaps the read
// snapshot. Failure to persist fails the mutation with no visible change.
// Callers must hold s.mu.
func (s *Store) commit(state types.FlagState) error {
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flag state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write flag state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace flag state: %w", err)
	}
	s.snapshot.Store(&state)
	return nil
}

func (s *Store) emit(ev types.ChangeEvent) {
	if s.sink != nil {
		s.sink.PublishChange(ev)
	}
}
