package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics contains metrics for the reference gateway
type GatewayMetrics struct {
	// RequestsTotal counts gateway requests
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks handler latency
	RequestDuration *prometheus.HistogramVec

	// LockAcquisitions counts acquire outcomes
	LockAcquisitions *prometheus.CounterVec

	// LockReleases counts releases
	LockReleases prometheus.Counter

	// LockContention counts acquires refused because another tab holds the lock
	LockContention prometheus.Counter

	// ActiveLeases tracks the number of live leases
	ActiveLeases prometheus.Gauge

	// LeasesExpired counts leases removed by the cleanup loop
	LeasesExpired prometheus.Counter

	// TransferRequests counts transfer requests by final status
	TransferRequests *prometheus.CounterVec

	// StreamConnections tracks open websocket subscribers
	StreamConnections prometheus.Gauge

	// StoreOperations counts lease store operations
	StoreOperations *prometheus.CounterVec
}

var (
	gatewayMetrics     *GatewayMetrics
	gatewayMetricsInit sync.Once
)

// NewGatewayMetrics creates and registers a new set of gateway metrics
func NewGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packlock_gateway_server_requests_total",
				Help: "Total number of gateway requests served",
			},
			[]string{"action", "success"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "packlock_gateway_server_request_duration_seconds",
				Help:    "Gateway handler duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
			},
			[]string{"action"},
		),
		LockAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packlock_gateway_lock_acquisitions_total",
				Help: "Total number of acquire attempts",
			},
			[]string{"success"},
		),
		LockReleases: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "packlock_gateway_lock_releases_total",
				Help: "Total number of lock releases",
			},
		),
		LockContention: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "packlock_gateway_lock_contention_total",
				Help: "Total number of acquires refused because the lock was held",
			},
		),
		ActiveLeases: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "packlock_gateway_active_leases",
				Help: "Number of currently active leases",
			},
		),
		LeasesExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "packlock_gateway_leases_expired_total",
				Help: "Total number of leases that expired without release",
			},
		),
		TransferRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packlock_gateway_transfer_requests_total",
				Help: "Total number of transfer requests by status",
			},
			[]string{"status"},
		),
		StreamConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "packlock_gateway_stream_connections",
				Help: "Number of open stream connections",
			},
		),
		StoreOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "packlock_gateway_store_operations_total",
				Help: "Total number of lease store operations",
			},
			[]string{"backend", "operation", "success"},
		),
	}
}

// GetGatewayMetrics returns the singleton instance of gateway metrics
func GetGatewayMetrics() *GatewayMetrics {
	gatewayMetricsInit.Do(func() {
		gatewayMetrics = NewGatewayMetrics()
	})
	return gatewayMetrics
}
