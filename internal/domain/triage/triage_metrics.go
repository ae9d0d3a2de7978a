package triage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds prometheus collectors for classification.
type Metrics struct {
	ClassificationsTotal *prometheus.CounterVec
	AnsweredFields       *prometheus.HistogramVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_classifications_total",
			Help: "Total classifications by policy and resulting ESI level.",
		}, []string{"policy", "esi"}),
		AnsweredFields: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_answered_fields",
			Help:    "Number of scored fields answered per classification.",
			Buckets: prometheus.LinearBuckets(0, 1, 10), // 0 .. 9
		}, []string{"policy"}),
	}
	reg.MustRegister(m.ClassificationsTotal, m.AnsweredFields)
	return m
}

type instrumented struct {
	Policy
	m *Metrics
}

// Instrument wraps p so every classification is counted. A nil m returns p.
func Instrument(p Policy, m *Metrics) Policy {
	if m == nil {
		return p
	}
	return instrumented{Policy: p, m: m}
}

func (p instrumented) Classify(a AnswerSet) ESI {
	esi := p.Policy.Classify(a)
	answered := 0
	for _, f := range p.Fields() {
		if a.Has(f) {
			answered++
		}
	}
	p.m.ClassificationsTotal.WithLabelValues(p.Name(), strconv.Itoa(int(esi))).Inc()
	p.m.AnsweredFields.WithLabelValues(p.Name()).Observe(float64(answered))
	return esi
}
