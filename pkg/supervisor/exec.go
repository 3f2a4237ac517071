package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/topology"
)

// ExecSupervisor launches unit commands as local child processes. Declared
// ports and volumes are container-runtime concerns and are ignored here;
// they travel through UnitSpec untouched for supervisors that can use them.
type ExecSupervisor struct {
	logger logging.Logger
}

func NewExecSupervisor(logger logging.Logger) *ExecSupervisor {
	return &ExecSupervisor{logger: logger}
}

type execHandle struct {
	unit    string
	process *os.Process
	done    chan error
}

func (h *execHandle) Unit() string {
	return h.unit
}

func (h *execHandle) PID() int {
	return h.process.Pid
}

func (s *ExecSupervisor) StartUnit(ctx context.Context, spec topology.UnitSpec) (Handle, error) {
	s.logger.Infof("Launching unit process, unit: %s, command: %s, args: %v", spec.Name, spec.Command, spec.Args)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir

	env := os.Environ()
	keys := make([]string, 0, len(spec.Environment))
	for key := range spec.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Environment[key])
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, errors.NewLaunchError("failed to start unit process", err).
			WithContext("unit", spec.Name).
			WithContext("command", spec.Command)
	}

	if ctx.Err() != nil {
		s.logger.Infof("Context cancelled during launch, killing process, unit: %s", spec.Name)
		_ = cmd.Process.Kill()
		return nil, errors.NewCancelledError("unit launch cancelled", ctx.Err()).WithContext("unit", spec.Name)
	}

	handle := &execHandle{
		unit:    spec.Name,
		process: cmd.Process,
		done:    make(chan error, 1),
	}

	go func() {
		handle.done <- cmd.Wait()
	}()

	s.logger.Infof("Unit process launched, unit: %s, pid: %d", spec.Name, cmd.Process.Pid)
	return handle, nil
}

func (s *ExecSupervisor) StopUnit(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*execHandle)
	if !ok {
		return errors.NewInternalError("handle was not produced by this supervisor", nil)
	}

	pid := h.process.Pid
	s.logger.Infof("Stopping unit process, unit: %s, pid: %d, grace: %v", h.unit, pid, grace)

	if err := sendTerminationSignal(h.process); err != nil {
		s.logger.Warnf("Failed to send termination signal, unit: %s, pid: %d, error: %v", h.unit, pid, err)
	}

	select {
	case <-h.done:
		s.logger.Infof("Unit process exited gracefully, unit: %s, pid: %d", h.unit, pid)
		return nil
	case <-time.After(grace):
		s.logger.Warnf("Unit process did not exit within %v, forcing kill, unit: %s, pid: %d", grace, h.unit, pid)
	case <-ctx.Done():
		s.logger.Warnf("Context cancelled while stopping unit, forcing kill, unit: %s, pid: %d", h.unit, pid)
	}

	if err := h.process.Kill(); err != nil {
		return errors.NewLaunchError("failed to kill unit process", err).
			WithContext("unit", h.unit).
			WithContext("pid", pid)
	}

	select {
	case <-h.done:
		s.logger.Infof("Unit process force terminated, unit: %s, pid: %d", h.unit, pid)
		return nil
	case <-time.After(5 * time.Second):
		return errors.NewTimeoutError("unit process did not exit after kill", nil).
			WithContext("unit", h.unit).
			WithContext("pid", pid)
	}
}
