//go:build windows
// +build windows

package governor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configurePlatformProcess hides the worker's console window.
func configurePlatformProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

func killProcessTree(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Windows reports no signal status; an abnormal exit shows up as an
// unreadable frame instead.
func killedBySignal(*os.ProcessState) bool {
	return false
}
