package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (s *Service) initMetrics() {
	s.metricsOnce.Do(func() {
		s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appmanager",
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Count of completed reconciliation cycles",
		})

		s.buildOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appmanager",
			Subsystem: "orchestrator",
			Name:      "build_attempts_total",
			Help:      "Build-and-run attempts by outcome",
		}, []string{"outcome"})

		s.forwardResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appmanager",
			Subsystem: "orchestrator",
			Name:      "fix_forwards_total",
			Help:      "Fix service submissions by result",
		}, []string{"result"})

		collectors := []prometheus.Collector{s.cyclesTotal, s.buildOutcomes, s.forwardResults}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case prometheus.Counter:
						s.cyclesTotal = v
					case *prometheus.CounterVec:
						if collector == s.buildOutcomes {
							s.buildOutcomes = v
						} else {
							s.forwardResults = v
						}
					}
				}
			}
		}
		s.metricsReady = true
	})
}

func (s *Service) recordOutcome(outcome string) {
	if !s.metricsReady {
		return
	}
	s.buildOutcomes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (s *Service) recordForward(result string) {
	if !s.metricsReady {
		return
	}
	s.forwardResults.With(prometheus.Labels{"result": result}).Inc()
}
