//go:build !windows

package mcp

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup detaches cmd from the terminal's process group and
// makes context cancellation send SIGTERM instead of SIGKILL.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
}
