//go:build !windows

package proc

import (
	osexec "os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureCommandProcess(cmd *osexec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateCommandProcess(cmd *osexec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		// Negative pgid targets the whole group (interpreter + children).
		_ = unix.Kill(-pgid, unix.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}

// processAlive sends signal 0. EPERM means the pid exists under another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
