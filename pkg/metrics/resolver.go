package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Row outcomes reported per resolver pass.
const (
	OutcomeProcessed    = "processed"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeNotifyFailed = "notification_failed"
)

// ResolverMetrics records per-pass outcomes of the scheduled mutation resolver.
type ResolverMetrics struct {
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewResolverMetrics registers resolver metrics on the provided registerer.
func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	if reg == nil {
		return &ResolverMetrics{}
	}
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "rows_total",
		Help:      "Subscription rows handled by resolver passes, by outcome.",
	}, []string{"pass", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "pass_duration_seconds",
		Help:      "Duration of each resolver pass in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pass"})
	reg.MustRegister(rows, duration)
	return &ResolverMetrics{rows: rows, duration: duration}
}

// AddRows adds n rows with the given outcome to the pass counter.
func (m *ResolverMetrics) AddRows(pass, outcome string, n int) {
	if m == nil || m.rows == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(normalizeLabel(pass), outcome).Add(float64(n))
}

// ObservePass records how long a pass took.
func (m *ResolverMetrics) ObservePass(pass string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(pass)).Observe(d.Seconds())
}
