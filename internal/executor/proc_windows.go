//go:build windows

package executor

import "os/exec"

func configureProcGroup(cmd *exec.Cmd) {
	// Windows has no process groups addressable by signal.
}

// terminateGroup kills outright; there is no graceful signal to send on Windows
func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return terminateGroup(cmd)
}
