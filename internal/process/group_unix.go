//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts the child as a process group leader and replaces the
// default cancellation with a group-wide SIGTERM followed by SIGKILL after grace.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := cmd.Process.Pid
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
		time.AfterFunc(grace, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		return nil
	}
}
