//go:build unix && !linux

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureSysProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGKILL)
}

func attachProcess(_ *exec.Cmd) error { return nil }

func waitExit(_ *os.Process) bool { return false }
