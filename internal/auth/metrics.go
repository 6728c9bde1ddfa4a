package auth

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for authentication.
type Metrics struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
}

// NewMetrics creates authentication metrics registered on their own
// registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Authentication attempts by scheme and result",
			},
			[]string{"scheme", "result"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "attempt_duration_seconds",
				Help:      "Authentication attempt duration by scheme",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheme"},
		),
	}

	m.registry.MustRegister(m.attemptsTotal, m.attemptDuration)

	return m
}

// RecordAttempt records one authentication attempt.
func (m *Metrics) RecordAttempt(scheme, result string, elapsed time.Duration) {
	m.attemptsTotal.WithLabelValues(scheme, result).Inc()
	if elapsed > 0 {
		m.attemptDuration.WithLabelValues(scheme).Observe(elapsed.Seconds())
	}
}

// Registry returns the metrics registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the collectors with an external registry,
// tolerating re-registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{m.attemptsTotal, m.attemptDuration} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
