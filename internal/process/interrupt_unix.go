//go:build !windows

package process

import "syscall"

// interruptProcess sends SIGINT to the process group, the closest Unix
// analog to a Windows Ctrl-Break: cdb gets a chance to abort the in-flight
// command without exiting.
func interruptProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killProcess sends SIGKILL to the whole process group.
func killProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// terminateProcess sends SIGTERM to the whole process group for the first
// phase of a graceful stop.
func terminateProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
