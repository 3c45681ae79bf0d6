package llm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Andyyyy64/openTiger/internal/detect"
)

// Metrics exposes Prometheus collectors for engine activity. A nil *Metrics
// records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	aborts   *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
}

// MustNewMetrics registers the engine collectors with reg. Collectors already
// registered under the same names are reused, so several engines can share a
// registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		attempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opentiger",
			Subsystem: "llm",
			Name:      "attempts_total",
			Help:      "CLI attempts by backend and outcome.",
		}, []string{"backend", "outcome"})),
		aborts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opentiger",
			Subsystem: "llm",
			Name:      "aborts_total",
			Help:      "Attempts terminated early, by abort reason.",
		}, []string{"backend", "reason"})),
		retries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opentiger",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Policy transitions that started another attempt.",
		}, []string{"backend", "kind"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opentiger",
			Subsystem: "llm",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of CLI attempts.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"backend"})),
		active: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opentiger",
			Subsystem: "llm",
			Name:      "active_processes",
			Help:      "CLI processes currently running.",
		}, []string{"backend"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveAttempt records a finished attempt.
func (m *Metrics) ObserveAttempt(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, outcome).Inc()
	m.duration.WithLabelValues(backend).Observe(d.Seconds())
}

// IncAbort counts an abort reason.
func (m *Metrics) IncAbort(backend string, reason detect.Reason) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(backend, string(reason)).Inc()
}

// IncRetry counts a policy transition of the given kind.
func (m *Metrics) IncRetry(backend, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend, kind).Inc()
}

func (m *Metrics) IncActive(backend string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(backend).Inc()
}

func (m *Metrics) DecActive(backend string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(backend).Dec()
}
