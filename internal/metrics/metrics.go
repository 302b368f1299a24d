// Package metrics exposes Prometheus instrumentation for the FoldDB core:
// atom writes, schema state transitions, permission decisions, transform
// executions, and orchestrator queue depth. Embedding programs register the
// http.Handler returned by Handler() wherever they expose /metrics; the core
// itself never listens on a socket.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Atom layer
	AtomsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folddb_atoms_created_total",
			Help: "Total number of atoms created, by schema",
		},
		[]string{"schema"},
	)

	AtomWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folddb_atom_write_duration_seconds",
			Help:    "Time taken to persist a new atom in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Schema core
	SchemasByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "folddb_schemas_total",
			Help: "Total number of schemas by state",
		},
		[]string{"state"},
	)

	SchemaApprovalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folddb_schema_approval_duration_seconds",
			Help:    "Time taken to approve a schema (materialize refs, register transforms) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Permission wrapper
	PermissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folddb_permission_denials_total",
			Help: "Total number of denied field accesses, by schema, field, and operation",
		},
		[]string{"schema", "field", "op"},
	)

	// Field manager
	FieldReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folddb_field_read_duration_seconds",
			Help:    "Field read latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"schema", "field"},
	)

	FieldWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folddb_field_write_duration_seconds",
			Help:    "Field write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"schema", "field"},
	)

	// Transform engine + orchestrator
	TransformExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folddb_transform_executions_total",
			Help: "Total number of transform executions by transform id and outcome",
		},
		[]string{"transform_id", "outcome"},
	)

	TransformExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folddb_transform_execution_duration_seconds",
			Help:    "Transform execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transform_id"},
	)

	OrchestratorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "folddb_orchestrator_queue_depth",
			Help: "Current number of pending entries in the orchestrator queue",
		},
	)

	OrchestratorEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "folddb_orchestrator_enqueued_total",
			Help: "Total number of transforms added to the pending queue",
		},
	)

	OrchestratorDequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "folddb_orchestrator_dequeued_total",
			Help: "Total number of transforms dequeued for execution",
		},
	)
)

func init() {
	prometheus.MustRegister(AtomsCreatedTotal)
	prometheus.MustRegister(AtomWriteDuration)
	prometheus.MustRegister(SchemasByState)
	prometheus.MustRegister(SchemaApprovalDuration)
	prometheus.MustRegister(PermissionDenialsTotal)
	prometheus.MustRegister(FieldReadDuration)
	prometheus.MustRegister(FieldWriteDuration)
	prometheus.MustRegister(TransformExecutionsTotal)
	prometheus.MustRegister(TransformExecutionDuration)
	prometheus.MustRegister(OrchestratorQueueDepth)
	prometheus.MustRegister(OrchestratorEnqueuedTotal)
	prometheus.MustRegister(OrchestratorDequeuedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
