//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var parentSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// configureProcess starts the child as the leader of its own process group so
// the whole tree can be signalled at once.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// DefaultTerminator signals the child's process group, falling back to the
// single PID when the group cannot be signalled.
func DefaultTerminator() Terminator {
	return groupTerminator{}
}

type groupTerminator struct{}

func (groupTerminator) Terminate(pid int, sig Signal) error {
	if pid <= 0 {
		return nil
	}
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}

	// The child was started with Setpgid, so its pgid is its pid.
	err := syscall.Kill(-pid, s)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err := syscall.Kill(pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func raiseSignal(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		_ = syscall.Kill(os.Getpid(), s)
	}
}
