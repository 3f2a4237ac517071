package status

import (
	"time"

	"github.com/stack-tools/stackd/pkg/orchestrator"
)

// Source is the read-only view the reporter projects. The orchestrator
// implements it; the reporter never mutates orchestration state.
type Source interface {
	RunID() string
	TopologyName() string
	Snapshot() []orchestrator.UnitStatus
}

// TopologyStatus is the point-in-time document served to external
// consumers.
type TopologyStatus struct {
	Topology  string                    `json:"topology"`
	RunID     string                    `json:"run_id"`
	Timestamp time.Time                 `json:"timestamp"`
	Units     []orchestrator.UnitStatus `json:"units"`
	Phases    map[string]int            `json:"phases"`
}

// Report assembles the full status document from a source snapshot.
func Report(source Source) TopologyStatus {
	units := source.Snapshot()

	phases := make(map[string]int)
	for _, unit := range units {
		phases[string(unit.Phase)]++
	}

	return TopologyStatus{
		Topology:  source.TopologyName(),
		RunID:     source.RunID(),
		Timestamp: time.Now(),
		Units:     units,
		Phases:    phases,
	}
}
