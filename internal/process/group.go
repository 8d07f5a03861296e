package process

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrGroupClosed is returned when launching into a group that was torn down.
var ErrGroupClosed = errors.New("process group closed")

// Group is the orchestrator-wide process-group construct. Every managed
// process is assigned to it; Close terminates all members exactly once.
// On Windows it is backed by a job object that the OS kills when the
// orchestrator exits for any reason. Elsewhere members run in their own
// sessions and Close signals each session's process group.
type Group struct {
	mu       sync.Mutex
	members  map[int]struct{}
	closed   bool
	once     sync.Once
	closeErr error
	job      osGroup
	log      *slog.Logger
}

// NewGroup creates the process-wide group. OS-level setup failures are
// logged and the group falls back to session-based grouping.
func NewGroup(log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	g := &Group{members: make(map[int]struct{}), log: log}
	job, err := newOSGroup()
	if err != nil {
		log.Warn("process group: OS job construct unavailable, using session grouping", "err", err)
	}
	g.job = job
	return g
}

// Assign adds pid to the group. A failure of the OS-level assignment is
// returned but the pid is still tracked for teardown.
func (g *Group) Assign(pid int) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	g.members[pid] = struct{}{}
	job := g.job
	g.mu.Unlock()
	if job == nil {
		return nil
	}
	return job.assign(pid)
}

func (g *Group) release(pid int) {
	g.mu.Lock()
	delete(g.members, pid)
	g.mu.Unlock()
}

// Members returns the pids currently tracked, sorted.
func (g *Group) Members() []int {
	g.mu.Lock()
	out := make([]int, 0, len(g.members))
	for pid := range g.members {
		out = append(out, pid)
	}
	g.mu.Unlock()
	sort.Ints(out)
	return out
}

// Closed reports whether Close has run.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close tears the group down, force-killing every member. It is safe to call
// from several exit paths; only the first call does any work.
func (g *Group) Close() error {
	g.once.Do(func() {
		g.mu.Lock()
		g.closed = true
		pids := make([]int, 0, len(g.members))
		for pid := range g.members {
			pids = append(pids, pid)
		}
		job := g.job
		g.mu.Unlock()

		for _, pid := range pids {
			_ = killGroup(pid)
		}
		if job != nil {
			g.closeErr = job.close()
		}
		if len(pids) > 0 {
			g.log.Info("process group torn down", "members", len(pids))
		}
	})
	return g.closeErr
}
