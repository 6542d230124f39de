package monitoring

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/AMDEPYC/hybrid-governor/internal/scaling"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// GovernorMetrics counts governor events. It implements scaling.Observer.
type GovernorMetrics struct {
	samples           prom.Counter
	degenerateSamples prom.Counter
	decisions         *prom.CounterVec
	actuations        *prom.CounterVec
	droppedRequests   *prom.CounterVec
}

func NewGovernorMetrics() *GovernorMetrics {
	return &GovernorMetrics{
		samples: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      "samples_total",
			Help:      "Counter of load samples taken.",
		}),
		degenerateSamples: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      "degenerate_samples_total",
			Help:      "Counter of samples skipped because no wall time elapsed.",
		}),
		decisions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      "decisions_total",
			Help:      "Counter of accepted frequency decisions.",
		}, []string{"direction"}),
		actuations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      "actuations_total",
			Help:      "Counter of executed frequency transitions.",
		}, []string{"direction", "result"}),
		droppedRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: governorSubsystem,
			Name:      "dropped_requests_total",
			Help:      "Counter of actuation requests rejected by a full dispatcher queue.",
		}, []string{"direction"}),
	}
}

// MustRegister registers all counters, panicking on duplicates.
func (m *GovernorMetrics) MustRegister(registry prom.Registerer) {
	registry.MustRegister(m.samples, m.degenerateSamples, m.decisions, m.actuations, m.droppedRequests)
}

func (m *GovernorMetrics) ObserveSample(uint, uint) {
	m.samples.Inc()
}

func (m *GovernorMetrics) ObserveDegenerateSample(uint) {
	m.degenerateSamples.Inc()
}

func (m *GovernorMetrics) ObserveDecision(req scaling.Request) {
	m.decisions.WithLabelValues(req.Relation.Direction()).Inc()
}

func (m *GovernorMetrics) ObserveActuation(req scaling.Request, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.actuations.WithLabelValues(req.Relation.Direction(), result).Inc()
}

func (m *GovernorMetrics) ObserveDroppedRequest(req scaling.Request) {
	m.droppedRequests.WithLabelValues(req.Relation.Direction()).Inc()
}
