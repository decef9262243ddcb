package credential

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts login attempts and scheduled renewals. A nil *Metrics is a no-op.
type Metrics struct {
	attempts *prometheus.CounterVec
	renewals *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "credential",
			Name:      "auth_attempts_total",
			Help:      "Login exchanges with the PBX by result.",
		}, []string{"result"}),
		renewals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "credential",
			Name:      "renewals_total",
			Help:      "Scheduled and forced renewals by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) attempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) renewal(kind, result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(kind, result).Inc()
}
