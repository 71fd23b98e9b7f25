// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workspace population
	WorkspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codehub_workspaces_total",
			Help: "Total number of workspaces by observed phase",
		},
		[]string{"phase"},
	)

	WorkspacesInError = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_workspaces_error_total",
			Help: "Total number of workspaces currently in the ERROR phase",
		},
	)

	// ResourceObserver
	ObserveCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codehub_observe_cycle_duration_seconds",
			Help:    "Time taken for one ResourceObserver sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObserveCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_observe_cycles_total",
			Help: "Total number of ResourceObserver sweeps completed",
		},
	)

	// OperationController
	OperationsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_operations_claimed_total",
			Help: "Total number of operations claimed by this reconciler, by operation kind",
		},
		[]string{"operation"},
	)

	OperationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_operations_completed_total",
			Help: "Total number of operations that finished, by kind and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: success | retry | terminal
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codehub_operation_duration_seconds",
			Help:    "Time taken for an operation to reach a terminal state, by kind",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"operation"},
	)

	OperationTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_operation_timeouts_total",
			Help: "Total number of operations that hit their timeout, by kind",
		},
		[]string{"operation"},
	)

	// TTL controller
	TTLExpirationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_ttl_expirations_total",
			Help: "Total number of TTL-driven transitions, by source phase",
		},
		[]string{"from_phase"},
	)

	// Archive GC
	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codehub_gc_sweep_duration_seconds",
			Help:    "Time taken for an Archive GC sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_gc_objects_deleted_total",
			Help: "Total number of orphaned archive objects deleted by GC",
		},
	)

	GCOrphansHeldTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_gc_orphans_held",
			Help: "Number of objects currently inside the GC's orphan hold window",
		},
	)

	// Coordinator / leader election
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_is_leader",
			Help: "Whether this process currently holds the coordinator advisory lock (1) or not (0)",
		},
	)

	LeaderElectionAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_leader_election_attempts_total",
			Help: "Total number of leader lock acquisition attempts",
		},
	)

	// CDC bridge
	NotifyEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codehub_notify_events_total",
			Help: "Total number of workspace_changes NOTIFY events received",
		},
	)

	BrokerSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codehub_broker_subscribers_active",
			Help: "Current number of active event broker subscribers",
		},
	)

	// Service layer
	ServiceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codehub_service_requests_total",
			Help: "Total number of service-layer requests, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	ServiceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codehub_service_request_duration_seconds",
			Help:    "Service-layer request duration in seconds, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkspacesTotal,
		WorkspacesInError,
		ObserveCycleDuration,
		ObserveCyclesTotal,
		OperationsClaimedTotal,
		OperationsCompletedTotal,
		OperationDuration,
		OperationTimeoutsTotal,
		TTLExpirationsTotal,
		GCSweepDuration,
		GCObjectsDeletedTotal,
		GCOrphansHeldTotal,
		IsLeader,
		LeaderElectionAttemptsTotal,
		NotifyEventsTotal,
		BrokerSubscribersActive,
		ServiceRequestsTotal,
		ServiceRequestDuration,
	)
}

// Handler exposes the collectors over HTTP for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
