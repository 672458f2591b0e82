//go:build windows

package server

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const _CREATE_NEW_PROCESS_GROUP = 0x00000200

// setPlatformProcessAttrs detaches the backend from the proxy's console
// control events.
func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: _CREATE_NEW_PROCESS_GROUP,
	}
}

// interruptProcess asks the process tree to close without /F.
func interruptProcess(p *os.Process) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}
