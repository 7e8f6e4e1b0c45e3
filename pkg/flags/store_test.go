package flags

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type captureSink struct {
	mu  sync.Mutex
	evs []types.ChangeEvent
}

func (c *captureSink) PublishChange(ev types.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *captureSink) events() []types.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ChangeEvent, len(c.evs))
	copy(out, c.evs)
	return out
}

func newTestStore(t *testing.T) (*Store, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	s, err := NewStore(t.TempDir(), sink)
	require.NoError(t, err)
	return s, sink
}

func TestDefaultsPopulated(t *testing.T) {
	s, _ := newTestStore(t)

	global := s.GetGlobal()
	assert.InDelta(t, 0.05, global.Float(types.FlagErrorsPerTransaction), 1e-9)
	assert.True(t, global.Bool(types.FlagErrorInjectionEnabled))
	assert.True(t, global.Bool(types.FlagCacheEnabled))
	assert.False(t, global.Bool(types.FlagSlowResponsesEnabled))
	assert.Equal(t, 10, global.Int(types.FlagRegenerateEveryN))
}

func TestOverridePrecedence(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.SetGlobal(types.FlagErrorsPerTransaction, 0.1, "baseline", "test")
	require.NoError(t, err)

	_, err = s.SetServiceOverride("XService-Acme", types.FlagSet{
		types.FlagErrorsPerTransaction: 0.0,
	}, "quiet X", "test")
	require.NoError(t, err)

	assert.InDelta(t, 0.0, s.GetEffective("XService-Acme").Float(types.FlagErrorsPerTransaction), 1e-9)
	assert.InDelta(t, 0.1, s.GetEffective("YService-Acme").Float(types.FlagErrorsPerTransaction), 1e-9)
}

func TestInvalidValuesRejectedWithoutStateChange(t *testing.T) {
	s, sink := newTestStore(t)

	tests := []struct {
		name  string
		flag  string
		value any
	}{
		{"probability above one", types.FlagErrorsPerTransaction, 1.5},
		{"probability below zero", types.FlagErrorsPerVisit, -0.2},
		{"negative rate", types.FlagErrorsPerMinute, -1.0},
		{"bool type mismatch", types.FlagSlowResponsesEnabled, "yes"},
		{"zero regenerate", types.FlagRegenerateEveryN, 0},
		{"fractional regenerate", types.FlagRegenerateEveryN, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SetGlobal(tt.flag, tt.value, "", "test")
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}

	_, err := s.SetGlobal("no_such_flag", true, "", "test")
	assert.ErrorIs(t, err, ErrUnknownFlag)

	// Nothing changed, nothing was emitted.
	assert.Equal(t, types.DefaultFlags().Float(types.FlagErrorsPerTransaction),
		s.GetGlobal().Float(types.FlagErrorsPerTransaction))
	assert.Empty(t, sink.events())
}

func TestChangeEventsEmittedInMutationOrder(t *testing.T) {
	s, sink := newTestStore(t)

	_, err := s.SetGlobal(types.FlagErrorsPerTransaction, 0.2, "r1", "test")
	require.NoError(t, err)
	_, err = s.SetGlobal(types.FlagSlowResponsesEnabled, true, "r2", "test")
	require.NoError(t, err)
	_, err = s.SetGlobal(types.FlagErrorsPerTransaction, 0.3, "r3", "test")
	require.NoError(t, err)

	evs := sink.events()
	require.Len(t, evs, 3)
	assert.Equal(t, types.FlagErrorsPerTransaction, evs[0].FlagName)
	assert.Equal(t, 0.2, evs[0].NewValue)
	assert.Equal(t, types.FlagSlowResponsesEnabled, evs[1].FlagName)
	assert.Equal(t, types.FlagErrorsPerTransaction, evs[2].FlagName)
	assert.Equal(t, 0.2, evs[2].PreviousValue)
	assert.Equal(t, 0.3, evs[2].NewValue)
}

func TestRepeatedSetEmitsEachTime(t *testing.T) {
	s, sink := newTestStore(t)

	_, err := s.SetGlobal(types.FlagCacheEnabled, false, "", "test")
	require.NoError(t, err)
	_, err = s.SetGlobal(types.FlagCacheEnabled, false, "", "test")
	require.NoError(t, err)

	assert.Len(t, sink.events(), 2)
	assert.False(t, s.GetGlobal().Bool(types.FlagCacheEnabled))
}

func TestResetGlobalRestoresDefault(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.SetGlobal(types.FlagErrorsPerTransaction, 0.9, "", "test")
	require.NoError(t, err)

	ev, err := s.ResetGlobal(types.FlagErrorsPerTransaction, "reset", "test")
	require.NoError(t, err)
	assert.Equal(t, 0.05, ev.NewValue)
	assert.InDelta(t, 0.05, s.GetGlobal().Float(types.FlagErrorsPerTransaction), 1e-9)
}

func TestClearServiceOverride(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.SetServiceOverride("BService-Acme", types.FlagSet{
		types.FlagErrorsPerTransaction: 1.0,
		types.FlagSlowResponsesEnabled: true,
	}, "", "test")
	require.NoError(t, err)

	require.NoError(t, s.ClearServiceOverrideKey("BService-Acme", types.FlagErrorsPerTransaction))
	eff := s.GetEffective("BService-Acme")
	assert.InDelta(t, 0.05, eff.Float(types.FlagErrorsPerTransaction), 1e-9)
	assert.True(t, eff.Bool(types.FlagSlowResponsesEnabled))

	require.NoError(t, s.ClearServiceOverride("BService-Acme"))
	assert.Empty(t, s.GetOverrides())

	// Clearing again is a no-op.
	require.NoError(t, s.ClearServiceOverride("BService-Acme"))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	_, err = s.SetGlobal(types.FlagErrorsPerTransaction, 0.42, "", "test")
	require.NoError(t, err)
	_, err = s.SetServiceOverride("CheckoutService-Acme", types.FlagSet{
		types.FlagCircuitBreakerEnabled: true,
	}, "", "test")
	require.NoError(t, err)

	reloaded, err := NewStore(dir, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, reloaded.GetGlobal().Float(types.FlagErrorsPerTransaction), 1e-9)
	assert.True(t, reloaded.GetEffective("CheckoutService-Acme").Bool(types.FlagCircuitBreakerEnabled))
}

func TestResetAllClearsEverything(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.SetGlobal(types.FlagErrorsPerTransaction, 0.8, "", "test")
	require.NoError(t, err)
	_, err = s.SetServiceOverride("AService-Acme", types.FlagSet{
		types.FlagSlowResponsesEnabled: true,
	}, "", "test")
	require.NoError(t, err)

	require.NoError(t, s.ResetAll("reset all", "test"))
	assert.InDelta(t, 0.05, s.GetGlobal().Float(types.FlagErrorsPerTransaction), 1e-9)
	assert.Empty(t, s.GetOverrides())
}
