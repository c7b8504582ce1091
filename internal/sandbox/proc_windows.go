//go:build windows

package sandbox

import (
	"os"
	"os/exec"
)

var platform processControl = handleControl{}

// handleControl terminates the child through its process handle. Windows
// has no process groups in the POSIX sense, so only the direct child is
// killed; it is still waited on before Execute returns.
type handleControl struct{}

func (handleControl) prepare(cmd *exec.Cmd) func() {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	return func() {}
}

func (handleControl) signaled(*os.ProcessState) (string, bool) {
	return "", false
}
