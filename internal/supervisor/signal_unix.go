//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// The worker gets its own process group so signals reach the interpreter
// and anything it spawned.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func interrupt(p *os.Process) error {
	return signalGroup(p, unix.SIGINT)
}

func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if err := unix.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}
