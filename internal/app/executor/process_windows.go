package executor

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window for the task command on Windows.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

func shellArgs(script string) (string, []string) {
	return "cmd.exe", []string{"/C", script}
}
