package status

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stack-tools/stackd/pkg/monitoring"
	"github.com/stack-tools/stackd/pkg/orchestrator"
)

var (
	unitPhaseDesc = prometheus.NewDesc(
		"stackd_unit_phase",
		"Current lifecycle phase per unit, one series per phase with value 1 for the active phase.",
		[]string{"unit", "phase"}, nil,
	)
	unitHealthyDesc = prometheus.NewDesc(
		"stackd_unit_healthy",
		"Last health probe outcome per unit: 1 healthy, 0 unhealthy, -1 unknown.",
		[]string{"unit"}, nil,
	)
	unitRestartsDesc = prometheus.NewDesc(
		"stackd_unit_restarts_total",
		"Restart attempts per unit for this deployment run.",
		[]string{"unit"}, nil,
	)
)

var allPhases = []orchestrator.UnitPhase{
	orchestrator.PhasePending,
	orchestrator.PhaseStarting,
	orchestrator.PhaseAwaitingHealth,
	orchestrator.PhaseReady,
	orchestrator.PhaseStopping,
	orchestrator.PhaseStopped,
	orchestrator.PhaseFailed,
}

// collector exports the status projection as Prometheus metrics. It reads
// the same snapshot the HTTP API serves, so scrapes never touch
// orchestrator internals.
type collector struct {
	source Source
}

// NewCollector builds a Prometheus collector over a status source.
func NewCollector(source Source) prometheus.Collector {
	return &collector{source: source}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- unitPhaseDesc
	ch <- unitHealthyDesc
	ch <- unitRestartsDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, unit := range c.source.Snapshot() {
		for _, phase := range allPhases {
			value := 0.0
			if unit.Phase == phase {
				value = 1.0
			}
			ch <- prometheus.MustNewConstMetric(unitPhaseDesc, prometheus.GaugeValue, value, unit.Name, string(phase))
		}

		healthy := -1.0
		switch unit.Health.Outcome {
		case monitoring.OutcomeHealthy:
			healthy = 1.0
		case monitoring.OutcomeUnhealthy:
			healthy = 0.0
		}
		ch <- prometheus.MustNewConstMetric(unitHealthyDesc, prometheus.GaugeValue, healthy, unit.Name)

		ch <- prometheus.MustNewConstMetric(unitRestartsDesc, prometheus.CounterValue, float64(unit.Restarts), unit.Name)
	}
}
