//go:build unix

package command

import (
	"os/exec"
	"syscall"
)

func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// a negative pid addresses the process group led by the child
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
