package harness

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Runner.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	phaseDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// It returns an error if registration fails (e.g. duplicate names on reg).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcprun",
				Name:      "phase_duration_seconds",
				Help:      "Wall time spent in each run phase.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30, 60, 120, 300},
			},
			[]string{"phase", "outcome"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcprun",
				Name:      "outcomes_total",
				Help:      "Completed runs by outcome kind.",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.phaseDuration, m.outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observePhase(phase Phase, outcome phaseStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase), outcome.String()).Observe(d.Seconds())
}

func (m *Metrics) observeOutcome(k Kind) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(k.String()).Inc()
}
