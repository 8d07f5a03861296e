package registry

import (
	"context"
	"io"
	"time"

	"github.com/loykin/helmsman/internal/logger"
	"github.com/loykin/helmsman/internal/service"
)

// entry is the runtime state of one service. Only the coordination
// goroutine reads or writes its fields; buf and file are internally
// synchronised and may be written by output drainers.
type entry struct {
	desc service.Descriptor

	status    service.Status
	gen       uint64
	proc      Process
	cancel    context.CancelFunc // cancels the current generation
	attempt   *attempt
	startedAt time.Time
	requested time.Time

	lastCheck time.Time
	lastOK    bool
	failures  int
	restarts  int
	lastErr   error

	stopping     bool
	startWaiters []chan error
	queuedStarts []chan error
	stopWaiters  []chan error

	sub map[string]service.Status // owner only: latest sub-statuses

	buf  *logger.Ring
	file io.WriteCloser
}

// attempt is one in-flight start. proc is written by the attempt goroutine
// before done is closed and read by whoever waits on done. prev is the
// process of the generation it replaces.
type attempt struct {
	gen  uint64
	done chan struct{}
	proc Process
	prev Process
}

func newEntry(d service.Descriptor, lines int, file io.WriteCloser) *entry {
	return &entry{
		desc:   d,
		status: service.StatusStopped,
		buf:    logger.NewRing(lines),
		file:   file,
	}
}

func (e *entry) snapshot() service.Snapshot {
	s := service.Snapshot{
		ID:          e.desc.ID,
		Name:        e.desc.DisplayName(),
		Port:        e.desc.Port,
		Status:      e.status,
		Generation:  e.gen,
		LastCheckAt: e.lastCheck,
		LastCheckOK: e.lastOK,
		Failures:    e.failures,
		Restarts:    e.restarts,
		Stopping:    e.stopping,
		ManagedBy:   e.desc.ManagedBy,
		Core:        e.desc.Core,
		Optional:    e.desc.Optional,
	}
	if e.proc != nil {
		s.PID = e.proc.PID()
		s.StartedAt = e.startedAt
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
		s.ErrorKind = service.KindName(e.lastErr)
	}
	return s
}

func (e *entry) idle() bool {
	return e.proc == nil && e.attempt == nil && !e.stopping
}

func notify(ws []chan error, err error) {
	for _, w := range ws {
		w <- err
	}
}
