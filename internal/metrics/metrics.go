package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the client side of packlock
type Metrics struct {
	// Gateway client metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// State machine metrics
	TransitionsTotal        *prometheus.CounterVec
	CurrentPhase            *prometheus.GaugeVec
	StaleResponsesTotal     *prometheus.CounterVec
	StaleFingerprintsTotal  prometheus.Counter
	InFlightRejectionsTotal *prometheus.CounterVec

	// Heartbeat metrics
	HeartbeatsTotal             *prometheus.CounterVec
	HeartbeatDuration           prometheus.Histogram
	HeartbeatRunning            prometheus.Gauge
	HeartbeatVerificationsTotal prometheus.Counter

	// Event bus metrics
	BusEventsPublished  prometheus.Counter
	BusEventsDropped    *prometheus.CounterVec
	BusSubscriberPanics *prometheus.CounterVec
	BusSubscribers      prometheus.Gauge

	// Diagnostics metrics
	DiagnosticEntries prometheus.Gauge
	DiagnosticEvicted prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Gateway client metrics
	m.GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_gateway_requests_total",
			Help: "Total number of gateway round trips by action and outcome",
		},
		[]string{"action", "outcome"}, // ok, refused, transport_error
	)

	m.GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packlock_gateway_request_duration_seconds",
			Help:    "Gateway round trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"action"},
	)

	// State machine metrics
	m.TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_transitions_total",
			Help: "Total number of lock state transitions",
		},
		[]string{"from", "to", "reason"},
	)

	m.CurrentPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packlock_phase",
			Help: "Set to 1 for the current phase of each resource",
		},
		[]string{"resource_id", "phase"},
	)

	m.StaleResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_stale_responses_total",
			Help: "Gateway responses discarded because the state changed while in flight",
		},
		[]string{"operation"},
	)

	m.StaleFingerprintsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packlock_stale_fingerprints_total",
			Help: "Lost transitions suppressed because the fingerprint had already changed",
		},
	)

	m.InFlightRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_inflight_rejections_total",
			Help: "Operations rejected because one of the same kind was in flight",
		},
		[]string{"operation"},
	)

	// Heartbeat metrics
	m.HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_heartbeats_total",
			Help: "Total number of heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	m.HeartbeatDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "packlock_heartbeat_duration_seconds",
			Help:    "Heartbeat round trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	m.HeartbeatRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packlock_heartbeat_running",
			Help: "Number of running heartbeat schedulers",
		},
	)

	m.HeartbeatVerificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packlock_heartbeat_verifications_total",
			Help: "Status re-verifications forced by consecutive heartbeat failures",
		},
	)

	// Event bus metrics
	m.BusEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packlock_bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
	)

	m.BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_bus_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		},
		[]string{"subscriber"},
	)

	m.BusSubscriberPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlock_bus_subscriber_panics_total",
			Help: "Panics recovered from subscriber handlers",
		},
		[]string{"subscriber"},
	)

	m.BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packlock_bus_subscribers",
			Help: "Number of active bus subscribers",
		},
	)

	// Diagnostics metrics
	m.DiagnosticEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packlock_diagnostic_entries",
			Help: "Entries currently held by the diagnostic ring buffer",
		},
	)

	m.DiagnosticEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packlock_diagnostic_evicted_total",
			Help: "Entries evicted from the diagnostic ring buffer",
		},
	)

	return m
}
