package cas

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CAS service.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec   // refcas_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // refcas_operation_duration_seconds{operation}

	// Lifecycle metrics
	ObjectsCreated   prometheus.Counter // refcas_objects_created_total
	ObjectsDestroyed prometheus.Counter // refcas_objects_destroyed_total
	ObjectsPinned    prometheus.Counter // refcas_objects_pinned_total

	// Transfer metrics
	BytesWritten prometheus.Counter // refcas_bytes_written_total
	BytesRead    prometheus.Counter // refcas_bytes_read_total
}

// NewMetrics registers CAS metrics with registry, or the default registerer
// when registry is nil. Registering twice on one registry panics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "refcas_operations_total",
			Help: "Total CAS operations by operation and status",
		}, []string{"operation", "status"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refcas_operation_duration_seconds",
			Help:    "CAS operation duration in seconds, including lock wait",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		ObjectsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "refcas_objects_created_total",
			Help: "Objects created by PUT",
		}),

		ObjectsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "refcas_objects_destroyed_total",
			Help: "Objects destroyed by DOWN reaching zero",
		}),

		ObjectsPinned: factory.NewCounter(prometheus.CounterOpts{
			Name: "refcas_objects_pinned_total",
			Help: "Objects pinned after their reference count saturated",
		}),

		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "refcas_bytes_written_total",
			Help: "Payload bytes written by object creation",
		}),

		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "refcas_bytes_read_total",
			Help: "Payload bytes returned by GET",
		}),
	}
}

// observe records one finished operation. Safe on a nil receiver.
func (m *Metrics) observe(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = Code(err)
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) created(size int) {
	if m == nil {
		return
	}
	m.ObjectsCreated.Inc()
	m.BytesWritten.Add(float64(size))
}

func (m *Metrics) destroyed() {
	if m != nil {
		m.ObjectsDestroyed.Inc()
	}
}

func (m *Metrics) pinned() {
	if m != nil {
		m.ObjectsPinned.Inc()
	}
}

func (m *Metrics) read(size int) {
	if m != nil {
		m.BytesRead.Add(float64(size))
	}
}
