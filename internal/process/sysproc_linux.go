//go:build linux

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProc puts the child in its own process group and asks the
// kernel to kill it if the daemon dies first.
func configureSysProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return unix.Kill(-p.Pid, unix.SIGKILL)
}

func attachProcess(_ *exec.Cmd) error { return nil }

// waitExit blocks until p has exited without reaping it.
func waitExit(p *os.Process) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil
	}
}
