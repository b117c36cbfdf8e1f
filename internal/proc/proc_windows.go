//go:build windows

package proc

import (
	"os"
	osexec "os/exec"
)

func configureCommandProcess(cmd *osexec.Cmd) {}

func terminateCommandProcess(cmd *osexec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
