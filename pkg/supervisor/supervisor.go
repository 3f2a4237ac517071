package supervisor

import (
	"context"
	"time"

	"github.com/stack-tools/stackd/pkg/topology"
)

// Handle is an opaque reference to a launched unit process.
type Handle interface {
	Unit() string
	PID() int
}

// Supervisor is the process-launch boundary. The orchestrator issues
// opaque start/stop commands and never inspects what runs inside a unit.
// In the motivating use case the implementation wraps a container
// runtime; the bundled implementation executes local commands.
type Supervisor interface {
	// StartUnit launches the unit's process and returns a handle, or a
	// launch failure.
	StartUnit(ctx context.Context, spec topology.UnitSpec) (Handle, error)

	// StopUnit requests voluntary termination and waits up to grace for
	// the process to exit before killing it.
	StopUnit(ctx context.Context, handle Handle, grace time.Duration) error
}
