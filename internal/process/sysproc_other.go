//go:build !unix && !windows

package process

import (
	"os"
	"os/exec"
)

func configureSysProc(_ *exec.Cmd) {}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func attachProcess(_ *exec.Cmd) error { return nil }

func waitExit(_ *os.Process) bool { return false }
