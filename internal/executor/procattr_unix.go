//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the command in its own process group so an
// interrupt reaches every process the step spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	}
}
