package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/metrics"
	"github.com/caravanhq/caravan/pkg/types"
)

// Event wraps the two event kinds moving through the fan-out.
type Event struct {
	Kind     types.EventType
	Change   *types.ChangeEvent
	Business *types.BusinessEvent
}

// Destination delivers events to one external sink.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

const (
	// DefaultQueueCapacity bounds each destination's pending queue.
	DefaultQueueCapacity = 10000

	maxDeliveryAttempts = 5
	maxBackoffInterval  = 30 * time.Second
	initialBackoff      = 500 * time.Millisecond
)

// Stats are the fan-out's delivery counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type destQueue struct {
	dest Destination

	mu      sync.Mutex
	pending []Event // bounded FIFO, oldest at index 0
	wake    chan struct{}
}

// Fanout funnels change and business events to registered destinations with
// bounded queues and retried delivery. Producers never block: on overflow
// the oldest pending event is dropped.
type Fanout struct {
	capacity       int
	queues         []*destQueue
	backoffInitial time.Duration

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFanout creates a fan-out with the given queue capacity per destination.
// capacity <= 0 selects the default.
func NewFanout(capacity int, destinations ...Destination) *Fanout {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fanout{
		capacity:       capacity,
		backoffInitial: initialBackoff,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, d := range destinations {
		f.queues = append(f.queues, &destQueue{
			dest: d,
			wake: make(chan struct{}, 1),
		})
	}
	return f
}

// Start launches one consumer goroutine per destination.
func (f *Fanout) Start() {
	for _, q := range f.queues {
		f.wg.Add(1)
		go f.consume(q)
	}
}

// Stop cancels in-flight deliveries and waits for consumers within the
// given grace period.
func (f *Fanout) Stop(grace time.Duration) {
	f.cancel()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logger := log.WithComponent("events")
		logger.Warn().Msg("fan-out consumers did not drain within grace period")
	}
}

// PublishChange enqueues a flag change event for every destination.
func (f *Fanout) PublishChange(ev types.ChangeEvent) {
	f.publish(Event{Kind: types.EventTypeChange, Change: &ev})
}

// PublishBusiness enqueues a journey business event for every destination.
func (f *Fanout) PublishBusiness(ev types.BusinessEvent) {
	f.publish(Event{Kind: types.EventTypeBusiness, Business: &ev})
}

func (f *Fanout) publish(ev Event) {
	f.enqueued.Add(1)
	for _, q := range f.queues {
		q.mu.Lock()
		if len(q.pending) >= f.capacity {
			// Drop the oldest; newer events carry newer state.
			q.pending = q.pending[1:]
			f.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
		q.pending = append(q.pending, ev)
		q.mu.Unlock()

		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Stats returns a snapshot of the delivery counters.
func (f *Fanout) Stats() Stats {
	return Stats{
		Enqueued:  f.enqueued.Load(),
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
		Failed:    f.failed.Load(),
	}
}

func (f *Fanout) consume(q *destQueue) {
	defer f.wg.Done()
	logger := log.WithComponent("events")

	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-f.ctx.Done():
				return
			}
		}

		if err := f.deliver(q.dest, ev); err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.failed.Add(1)
			metrics.EventDeliveryFailures.Inc()
			logger.Error().
				Err(err).
				Str("destination", q.dest.Name()).
				Str("kind", string(ev.Kind)).
				Msg("event delivery failed terminally")
			continue
		}
		f.delivered.Add(1)
		metrics.EventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func (q *destQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Event{}, false
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev, true
}

// deliver attempts delivery with capped exponential backoff, up to
// maxDeliveryAttempts tries.
func (f *Fanout) deliver(dest Destination, ev Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.backoffInitial
	bo.MaxInterval = maxBackoffInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxDeliveryAttempts-1), f.ctx)
	return backoff.Retry(func() error {
		return dest.Deliver(f.ctx, ev)
	}, policy)
}

// LogDestination is the fallback sink used when no observability platform
// is configured. It writes every event to the structured log.
type LogDestination struct{}

func (LogDestination) Name() string { return "log" }

func (LogDestination) Deliver(_ context.Context, ev Event) error {
	logger := log.WithComponent("events")
	switch ev.Kind {
	case types.EventTypeChange:
		logger.Info().
			Str("flag", ev.Change.FlagName).
			Interface("previous", ev.Change.PreviousValue).
			Interface("new", ev.Change.NewValue).
			Str("scope", ev.Change.Scope).
			Str("triggered_by", ev.Change.TriggeredBy).
			Msg("flag change event")
	case types.EventTypeBusiness:
		logger.Info().
			Str("correlation_id", ev.Business.CorrelationID).
			Str("step", ev.Business.StepName).
			Str("service_name", ev.Business.ServiceName).
			Str("status", ev.Business.Status).
			Int64("processing_ms", ev.Business.ProcessingTimeMs).
			Msg("business event")
	}
	return nil
}
