package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/monitoring"
)

func TestUnitState_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []UnitPhase
	}{
		{"happy_path", []UnitPhase{PhaseStarting, PhaseAwaitingHealth, PhaseReady, PhaseStopping, PhaseStopped}},
		{"no_health_check", []UnitPhase{PhaseStarting, PhaseReady, PhaseStopping, PhaseStopped}},
		{"launch_failure", []UnitPhase{PhaseStarting, PhaseFailed, PhaseStopping, PhaseStopped}},
		{"health_failure_then_restart", []UnitPhase{PhaseStarting, PhaseAwaitingHealth, PhaseFailed, PhasePending, PhaseStarting}},
		{"ready_then_runtime_failure", []UnitPhase{PhaseStarting, PhaseAwaitingHealth, PhaseReady, PhaseFailed, PhaseStopping, PhaseStopped}},
		{"stopped_before_start", []UnitPhase{PhaseStopping, PhaseStopped}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newUnitState("app")
			for _, phase := range tt.path {
				require.NoError(t, state.Transition(phase, nil), "transition to %s", phase)
			}
			assert.Equal(t, tt.path[len(tt.path)-1], state.Phase())
		})
	}
}

func TestUnitState_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []UnitPhase
		to   UnitPhase
	}{
		{"pending_to_ready", nil, PhaseReady},
		{"pending_to_failed", nil, PhaseFailed},
		{"stopped_is_terminal", []UnitPhase{PhaseStopping, PhaseStopped}, PhaseStarting},
		{"ready_to_starting", []UnitPhase{PhaseStarting, PhaseReady}, PhaseStarting},
		{"failed_to_ready", []UnitPhase{PhaseStarting, PhaseFailed}, PhaseReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newUnitState("app")
			for _, phase := range tt.path {
				require.NoError(t, state.Transition(phase, nil))
			}

			before := state.Phase()
			err := state.Transition(tt.to, nil)
			require.Error(t, err)
			assert.True(t, errors.IsInternalError(err))
			assert.Equal(t, before, state.Phase(), "rejected transition must not move the phase")
		})
	}
}

func TestUnitState_RestartClearsError(t *testing.T) {
	state := newUnitState("app")
	require.NoError(t, state.Transition(PhaseStarting, nil))
	require.NoError(t, state.Transition(PhaseFailed, errors.NewLaunchError("boom", nil)))

	assert.Contains(t, state.Status().Error, "boom")

	require.NoError(t, state.Transition(PhasePending, nil))
	assert.Empty(t, state.Status().Error)
}

func TestUnitState_Status(t *testing.T) {
	state := newUnitState("db")
	require.NoError(t, state.Transition(PhaseStarting, nil))
	require.NoError(t, state.Transition(PhaseAwaitingHealth, nil))

	state.SetHealth(monitoring.HealthCheckResult{
		Outcome:   monitoring.OutcomeHealthy,
		Timestamp: time.Now(),
		Message:   "tcp connect succeeded",
	})
	state.IncrementRestarts()
	state.IncrementRestarts()

	status := state.Status()
	assert.Equal(t, "db", status.Name)
	assert.Equal(t, PhaseAwaitingHealth, status.Phase)
	assert.Equal(t, monitoring.OutcomeHealthy, status.Health.Outcome)
	assert.Equal(t, 2, status.Restarts)
	assert.False(t, status.LastTransition.IsZero())
	assert.Empty(t, status.Error)
}

func TestUnitPhase_IsTerminal(t *testing.T) {
	assert.True(t, PhaseStopped.IsTerminal())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.False(t, PhasePending.IsTerminal())
	assert.False(t, PhaseReady.IsTerminal())
	assert.False(t, PhaseStopping.IsTerminal())
}
