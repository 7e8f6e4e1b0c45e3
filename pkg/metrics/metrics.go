package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	ServicesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_services_live",
			Help: "Number of child services currently tracked by the supervisor",
		},
	)

	ServicesHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_services_healthy",
			Help: "Number of tracked child services whose last health check succeeded",
		},
	)

	ServiceSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_service_spawns_total",
			Help: "Total child service spawn attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Port allocator metrics
	PortsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_ports_allocated",
			Help: "Number of ports currently allocated to services",
		},
	)

	StalePortsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_stale_ports_reclaimed_total",
			Help: "Total stale port allocations released by cleanup",
		},
	)

	// Orchestrator metrics
	JourneysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_journeys_total",
			Help: "Total journeys run by final status",
		},
		[]string{"status"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_journey_steps_total",
			Help: "Total journey steps executed by status",
		},
		[]string{"status"},
	)

	JourneyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caravan_journey_duration_seconds",
			Help:    "End-to-end journey execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event fan-out metrics
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_events_delivered_total",
			Help: "Total events delivered to destinations by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_events_dropped_total",
			Help: "Total events dropped due to queue overflow",
		},
	)

	EventDeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_event_delivery_failures_total",
			Help: "Total events that exhausted delivery retries",
		},
	)

	// Flag store metrics
	FlagMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_flag_mutations_total",
			Help: "Total feature flag mutations by scope",
		},
		[]string{"scope"},
	)

	// Auto-load metrics
	AutoLoadJourneysSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_autoload_journeys_submitted_total",
			Help: "Total journeys submitted by the auto-load generator",
		},
	)

	AutoLoadBatchesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_autoload_batches_skipped_total",
			Help: "Total auto-load batches skipped because the in-flight bound was reached",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_api_requests_total",
			Help: "Total public API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caravan_api_request_duration_seconds",
			Help:    "Public API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ServicesLive)
	prometheus.MustRegister(ServicesHealthy)
	prometheus.MustRegister(ServiceSpawnsTotal)
	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(StalePortsReclaimed)
	prometheus.MustRegister(JourneysTotal)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(JourneyDuration)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventDeliveryFailures)
	prometheus.MustRegister(FlagMutationsTotal)
	prometheus.MustRegister(AutoLoadJourneysSubmitted)
	prometheus.MustRegister(AutoLoadBatchesSkipped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
