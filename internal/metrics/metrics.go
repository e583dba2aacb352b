// Package metrics provides Prometheus metrics collection for the AutoFlow
// controller. It defines the control-loop, controller-connection,
// inference and audit metrics exposed on the /metrics endpoint.
//
// Metrics implements the small MetricsInterface of each component, so the
// components never import Prometheus themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the controller.
type Metrics struct {
	// Control loop
	Cycles              *prometheus.CounterVec // Completed cycles by outcome
	CycleFailures       *prometheus.CounterVec // Failed cycles by error class
	CycleDuration       prometheus.Histogram   // Duration of one cycle
	LoopState           *prometheus.GaugeVec   // 1 for the current loop state
	ConsecutiveFailures prometheus.Gauge       // Failed cycles since the last success
	Actions             *prometheus.CounterVec // Control actions by target tag and status

	// Controller connection
	TagReads   prometheus.Counter     // Successful tag read batches
	TagWrites  prometheus.Counter     // Successful tag writes
	TagErrors  *prometheus.CounterVec // Tag access errors by class
	Reconnects prometheus.Counter     // Re-established controller sessions

	// Inference
	MLPredictions      prometheus.Counter   // Total number of scored vectors
	MLFailures         prometheus.Counter   // Vectors the model rejected
	MLModelAge         prometheus.Gauge     // Age of the loaded model artifact in seconds
	MLLatency          prometheus.Histogram // Scoring latency in seconds
	MLPredictionScores prometheus.Histogram // Distribution of scores

	// Audit trail
	AuditWrites     *prometheus.CounterVec // Stored records by kind
	AuditFailures   prometheus.Counter     // Failed store attempts
	AuditDropped    *prometheus.CounterVec // Records sent to the log fallback by reason
	AuditRetryDepth prometheus.Gauge       // Records waiting for a retry
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_cycles_total",
			Help: "Total number of control cycles by outcome",
		}, []string{"outcome"}),
		CycleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_cycle_failures_total",
			Help: "Total number of failed control cycles by error class",
		}, []string{"class"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoflow_cycle_duration_seconds",
			Help:    "Duration of one control cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		LoopState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoflow_loop_state",
			Help: "Current control loop state (1 for the active state)",
		}, []string{"state"}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autoflow_consecutive_failures",
			Help: "Number of consecutive failed cycles",
		}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_actions_total",
			Help: "Total number of control actions by target tag and status",
		}, []string{"tag", "status"}),
		TagReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoflow_tag_reads_total",
			Help: "Total number of successful tag read batches",
		}),
		TagWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoflow_tag_writes_total",
			Help: "Total number of successful tag writes",
		}),
		TagErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_tag_errors_total",
			Help: "Total number of tag access errors by class",
		}, []string{"class"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoflow_controller_reconnects_total",
			Help: "Total number of re-established controller sessions",
		}),
		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of ML predictions made",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of ML prediction failures",
		}),
		MLModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ml_model_age_seconds",
			Help: "Age of the current ML model in seconds",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "ML prediction latency in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		MLPredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_prediction_scores",
			Help:    "Distribution of ML prediction scores",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 5, 10, 15, 20, 25, 30, 50, 100},
		}),
		AuditWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_audit_writes_total",
			Help: "Total number of stored audit records by kind",
		}, []string{"kind"}),
		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "autoflow_audit_failures_total",
			Help: "Total number of failed audit store attempts",
		}),
		AuditDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_audit_dropped_total",
			Help: "Total number of audit records written to the log fallback by reason",
		}, []string{"reason"}),
		AuditRetryDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autoflow_audit_retry_queue_depth",
			Help: "Number of audit records waiting for a retry",
		}),
	}
}
