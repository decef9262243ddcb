package calls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the call controller and poller. A nil *Metrics is a no-op.
type Metrics struct {
	transitions *prometheus.CounterVec
	calls       *prometheus.CounterVec
	active      prometheus.Gauge
	pollErrors  *prometheus.CounterVec
	stale       prometheus.Counter
	duration    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "state_transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"from", "to"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "sessions_total",
			Help:      "Finished call sessions by direction and outcome.",
		}, []string{"direction", "outcome"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "active",
			Help:      "1 while a call session is live.",
		}),
		pollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "poll_errors_total",
			Help:      "Status poll failures by kind.",
		}, []string{"kind"}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "stale_events_total",
			Help:      "Transport events discarded because they did not match the active session.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dialer",
			Subsystem: "calls",
			Name:      "connected_seconds",
			Help:      "Connected time of finished calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) finished(s Session, seconds float64) {
	if m == nil {
		return
	}
	outcome := s.Outcome
	if outcome == "" {
		outcome = string(s.State)
	}
	m.calls.WithLabelValues(string(s.Direction), outcome).Inc()
	if seconds > 0 {
		m.duration.Observe(seconds)
	}
}

func (m *Metrics) setActive(live bool) {
	if m == nil {
		return
	}
	if live {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}

func (m *Metrics) pollError(kind string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) staleEvent() {
	if m == nil {
		return
	}
	m.stale.Inc()
}
