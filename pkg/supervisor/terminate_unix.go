//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func sendTerminationSignal(process *os.Process) error {
	return process.Signal(syscall.SIGTERM)
}
