//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in a new process group so a later
// CTRL_BREAK_EVENT can target it without affecting this process, and hides
// its console window (cdb has no need for one).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000, // CREATE_NO_WINDOW
	}
}
