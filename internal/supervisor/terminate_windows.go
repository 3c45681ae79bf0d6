//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var parentSignals = []os.Signal{os.Interrupt}

// configureProcess detaches the child into a new process group so console
// interrupts aimed at the host do not reach it directly.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags = syscall.CREATE_NEW_PROCESS_GROUP
}

// DefaultTerminator kills the child process directly. Windows has no graceful
// termination signal, so both signals kill.
func DefaultTerminator() Terminator {
	return pidTerminator{}
}

type pidTerminator struct{}

func (pidTerminator) Terminate(pid int, _ Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// raiseSignal exits the host: an interrupt cannot be re-delivered to the
// current process on Windows.
func raiseSignal(os.Signal) {
	os.Exit(1)
}
