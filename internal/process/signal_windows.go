//go:build windows

package process

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// requestStop sends CTRL_BREAK to the child's console process group.
func requestStop(pid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

// killGroup terminates pid. Descendants are covered by the job object.
func killGroup(pid int) error {
	return terminatePID(pid)
}

// sweepGroup is a no-op: leftovers of an exited child are owned by the job object
// and the pid itself may already have been recycled.
func sweepGroup(int) {}

func terminatePID(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
