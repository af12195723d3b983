//go:build !windows
// +build !windows

package governor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configurePlatformProcess starts the worker in its own process group so
// anything it spawns dies with it.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessTree sends SIGKILL to the worker's whole process group.
func killProcessTree(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return p.Kill()
}

// killedBySignal reports whether the process was terminated by a signal.
func killedBySignal(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
