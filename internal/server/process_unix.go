//go:build !windows

package server

import (
	"os"
	"os/exec"
	"syscall"
)

// setPlatformProcessAttrs puts the backend in its own process group so a
// terminal Ctrl-C reaches the proxy only and the backend is stopped through
// its console.
func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// interruptProcess sends SIGINT.
func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
