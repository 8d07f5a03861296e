//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in its own session so its whole
// group can be signalled, and asks the kernel to SIGKILL it should the
// orchestrator die first.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGKILL,
	}
}
