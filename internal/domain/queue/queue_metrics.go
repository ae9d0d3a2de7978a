package queue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds prometheus collectors for the queue repository.
type Metrics struct {
	AdmissionsTotal *prometheus.CounterVec
	MutationsTotal  *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
	RecoveriesTotal *prometheus.CounterVec
	QueueSize       prometheus.Gauge
	StoreDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_admissions_total",
			Help: "Patients appended to the queue by ESI level.",
		}, []string{"esi"}),
		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_mutations_total",
			Help: "Queue mutations by operation and result.",
		}, []string{"op", "result"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_storage_errors_total",
			Help: "Failed store operations by operation.",
		}, []string{"op"}),
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_recoveries_total",
			Help: "Backup recovery attempts by result.",
		}, []string{"result"}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_patients",
			Help: "Patients in the queue after the last successful write.",
		}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_store_duration_seconds",
			Help:    "Duration of store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.AdmissionsTotal,
		m.MutationsTotal,
		m.StorageErrors,
		m.RecoveriesTotal,
		m.QueueSize,
		m.StoreDuration,
	)
	return m
}

// The helpers below tolerate a nil receiver so the service can run without
// metrics in tests.

func (m *Metrics) admitted(esi int) {
	if m != nil {
		m.AdmissionsTotal.WithLabelValues(strconv.Itoa(esi)).Inc()
	}
}

func (m *Metrics) mutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MutationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) storageError(op string) {
	if m != nil {
		m.StorageErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) recovery(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RecoveriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) size(n int) {
	if m != nil {
		m.QueueSize.Set(float64(n))
	}
}

func (m *Metrics) observe(op string, seconds float64) {
	if m != nil {
		m.StoreDuration.WithLabelValues(op).Observe(seconds)
	}
}
