package events

import (
	"context"
	"errors"
	"os"
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

type recordingDest struct {
	mu       sync.Mutex
	events   []Event
	failures int // first N deliveries fail
	done     chan struct{}
	expect   int
}

func newRecordingDest(expect, failures int) *recordingDest {
	return &recordingDest{failures: failures, expect: expect, done: make(chan struct{})}
}

func (d *recordingDest) Name() string { return "recording" }

func (d *recordingDest) Deliver(_ context.Context, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return errors.New("sink unavailable")
	}
	d.events = append(d.events, ev)
	if len(d.events) == d.expect {
		close(d.done)
	}
	return nil
}

func (d *recordingDest) recorded() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

func waitDone(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}

func TestChangeEventsDeliveredInOrder(t *testing.T) {
	dest := newRecordingDest(3, 0)
	f := NewFanout(100, dest)
	f.Start()
	defer f.Stop(time.Second)

	for _, name := range []string{"errors_per_transaction", "cache_enabled", "slow_responses_enabled"} {
		f.PublishChange(types.ChangeEvent{
			EventType: types.EventTypeChange,
			FlagName:  name,
			Scope:     types.ScopeGlobal,
			Timestamp: time.Now(),
		})
	}

	waitDone(t, dest.done)
	got := dest.recorded()
	require.Len(t, got, 3)
	assert.Equal(t, "errors_per_transaction", got[0].Change.FlagName)
	assert.Equal(t, "cache_enabled", got[1].Change.FlagName)
	assert.Equal(t, "slow_responses_enabled", got[2].Change.FlagName)
}

func TestOverflowDropsOldest(t *testing.T) {
	dest := newRecordingDest(2, 0)
	f := NewFanout(2, dest)

	// Publish before Start so the queue fills without being drained.
	for _, name := range []string{"first", "second", "third"} {
		f.PublishChange(types.ChangeEvent{FlagName: name})
	}

	assert.Equal(t, uint64(1), f.Stats().Dropped)

	f.Start()
	defer f.Stop(time.Second)

	waitDone(t, dest.done)
	got := dest.recorded()
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Change.FlagName)
	assert.Equal(t, "third", got[1].Change.FlagName)
}

func TestDeliveryRetriesTransientFailure(t *testing.T) {
	dest := newRecordingDest(1, 2)
	f := NewFanout(10, dest)
	f.backoffInitial = 10 * time.Millisecond
	f.Start()
	defer f.Stop(time.Second)

	f.PublishBusiness(types.BusinessEvent{
		EventType:     types.EventTypeBusiness,
		CorrelationID: "corr-1",
		StepName:      "Checkout",
		Status:        "completed",
	})

	waitDone(t, dest.done)
	stats := f.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestTerminalFailureIncrementsCounterAndContinues(t *testing.T) {
	// First event fails on every attempt; second succeeds.
	dest := newRecordingDest(1, maxDeliveryAttempts)
	f := NewFanout(10, dest)
	f.backoffInitial = 10 * time.Millisecond
	f.Start()
	defer f.Stop(time.Second)

	f.PublishBusiness(types.BusinessEvent{CorrelationID: "corr-doomed"})
	f.PublishBusiness(types.BusinessEvent{CorrelationID: "corr-fine"})

	waitDone(t, dest.done)
	got := dest.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "corr-fine", got[0].Business.CorrelationID)
	assert.Equal(t, uint64(1), f.Stats().Failed)
}
