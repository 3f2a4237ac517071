//go:build windows

package supervisor

import (
	"os"
)

// Windows has no SIGTERM; the graceful phase degrades to an immediate
// kill, matching the forced path in StopUnit.
func sendTerminationSignal(process *os.Process) error {
	return process.Kill()
}
