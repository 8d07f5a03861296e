package process

import (
	"os/exec"
	"sync"
	"time"
)

// Handle is the orchestrator's reference to one launched OS process.
// The Group it was assigned to is referenced but not owned.
type Handle struct {
	pid       int
	startedAt time.Time
	procStart int64 // OS-reported start time (unix seconds), 0 when unknown
	group     *Group
	cmd       *exec.Cmd

	done    chan struct{}
	exitErr error

	output sync.WaitGroup
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// ProcStart returns the OS-reported start time in unix seconds, 0 when unknown.
func (h *Handle) ProcStart() int64 { return h.procStart }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error reported by Wait. It is only meaningful after Done.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() || h.cmd == nil || h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// WaitOutput blocks until both output streams reached EOF or d elapsed.
func (h *Handle) WaitOutput(d time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		h.output.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// Group returns the process-group construct the process was assigned to.
func (h *Handle) Group() *Group { return h.group }

// sameProcess reports whether h.pid still refers to the process we launched.
// When the start time cannot be read either way it assumes it does.
func (h *Handle) sameProcess() bool {
	if h.Exited() {
		return false
	}
	if h.procStart == 0 {
		return true
	}
	now := getProcStartUnix(h.pid)
	return now == 0 || now == h.procStart
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitErr = err
	close(h.done)
	if h.group != nil {
		h.group.release(h.pid)
	}
}

// StartTime returns the OS start time of pid in unix seconds, 0 when unknown.
func StartTime(pid int) int64 { return getProcStartUnix(pid) }
