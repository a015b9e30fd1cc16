//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

const ctrlBreakEvent = 1

// interruptProcess sends CTRL_BREAK_EVENT to the child's process group,
// letting cdb abort its current command without terminating.
func interruptProcess(pid int) error {
	r, _, err := procGenerateConsoleCtrlEvent.Call(uintptr(ctrlBreakEvent), uintptr(pid))
	if r == 0 {
		return err
	}
	return nil
}

// killProcess force-terminates the process; Windows has no process-group
// kill primitive, so this targets the process itself.
func killProcess(pid int) error {
	h, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer syscall.CloseHandle(h)
	return syscall.TerminateProcess(h, 1)
}

// terminateProcess has no graceful signal equivalent on Windows; a Ctrl-Break
// is attempted first by callers via interruptProcess, so this falls straight
// to kill.
func terminateProcess(pid int) error {
	return killProcess(pid)
}
