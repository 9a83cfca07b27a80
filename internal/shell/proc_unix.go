//go:build unix

package shell

import (
	"os/exec"
	"syscall"
)

// killGroup puts the child in its own process group so cancellation also
// reaches the processes it spawned (npm, composer plugins).
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
