//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the command in its own process group so that
// cancellation kills the whole tree, not just the shell.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func shellArgs(script string) (string, []string) {
	return "/bin/sh", []string{"-c", script}
}
