package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/monitoring"
)

// UnitPhase is the lifecycle phase of one unit.
type UnitPhase string

const (
	PhasePending        UnitPhase = "pending"
	PhaseStarting       UnitPhase = "starting"
	PhaseAwaitingHealth UnitPhase = "awaiting_health"
	PhaseReady          UnitPhase = "ready"
	PhaseStopping       UnitPhase = "stopping"
	PhaseStopped        UnitPhase = "stopped"
	PhaseFailed         UnitPhase = "failed"
)

// validTransitions encodes the per-unit state machine. FAILED re-enters
// PENDING only through the restart policy; STOPPED is terminal.
var validTransitions = map[UnitPhase][]UnitPhase{
	PhasePending:        {PhaseStarting, PhaseStopping},
	PhaseStarting:       {PhaseAwaitingHealth, PhaseReady, PhaseFailed, PhaseStopping},
	PhaseAwaitingHealth: {PhaseReady, PhaseFailed, PhaseStopping},
	PhaseReady:          {PhaseFailed, PhaseStopping},
	PhaseStopping:       {PhaseStopped},
	PhaseStopped:        {},
	PhaseFailed:         {PhasePending, PhaseStopping},
}

// IsTerminal reports whether no further transitions are possible without
// an explicit restart.
func (p UnitPhase) IsTerminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}

// unitState is the runtime record of one unit, owned by the orchestrator.
// The health monitor writes results only through SetHealth, never a phase.
type unitState struct {
	unit string

	mutex          sync.Mutex
	phase          UnitPhase
	lastTransition time.Time
	lastHealth     monitoring.HealthCheckResult
	restartCount   int
	lastErr        error
}

func newUnitState(unit string) *unitState {
	return &unitState{
		unit:           unit,
		phase:          PhasePending,
		lastTransition: time.Now(),
		lastHealth:     monitoring.HealthCheckResult{Outcome: monitoring.OutcomeUnknown, Timestamp: time.Now()},
	}
}

// Transition moves the unit to a new phase, validating the edge against
// the state machine.
func (s *unitState) Transition(to UnitPhase, cause error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !transitionAllowed(s.phase, to) {
		return errors.NewInternalError(
			fmt.Sprintf("invalid phase transition %s -> %s for unit %q", s.phase, to, s.unit), nil)
	}

	s.phase = to
	s.lastTransition = time.Now()
	if cause != nil {
		s.lastErr = cause
	}
	if to == PhasePending {
		// Restart re-entry clears the previous failure.
		s.lastErr = nil
	}
	return nil
}

// Phase returns the current phase.
func (s *unitState) Phase() UnitPhase {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.phase
}

// SetHealth records the latest probe result. This is the only write path
// the health monitor has into unit state.
func (s *unitState) SetHealth(result monitoring.HealthCheckResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastHealth = result
}

// IncrementRestarts bumps and returns the restart counter.
func (s *unitState) IncrementRestarts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.restartCount++
	return s.restartCount
}

// Restarts returns the restart counter.
func (s *unitState) Restarts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.restartCount
}

// UnitStatus is a point-in-time projection of one unit's state.
type UnitStatus struct {
	Name           string                       `json:"name"`
	Phase          UnitPhase                    `json:"phase"`
	Health         monitoring.HealthCheckResult `json:"health"`
	Restarts       int                          `json:"restarts"`
	LastTransition time.Time                    `json:"last_transition"`
	Error          string                       `json:"error,omitempty"`
}

// Status returns a snapshot copy of the unit state.
func (s *unitState) Status() UnitStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := UnitStatus{
		Name:           s.unit,
		Phase:          s.phase,
		Health:         s.lastHealth,
		Restarts:       s.restartCount,
		LastTransition: s.lastTransition,
	}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	return status
}

func transitionAllowed(from, to UnitPhase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
