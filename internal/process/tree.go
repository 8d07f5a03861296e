package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultKillGrace is how long a tree gets between the polite and the forced kill.
const DefaultKillGrace = 2 * time.Second

// TreeKiller terminates a process together with all of its descendants.
type TreeKiller interface {
	// KillTree returns nil once neither pid nor any descendant is alive.
	// A pid that does not exist is not an error.
	KillTree(ctx context.Context, pid int) error
	// Precise reports whether descendants are enumerated individually.
	Precise() bool
}

// NewTreeKiller picks the snapshot-based killer when the process table can
// be read and the group-signal fallback otherwise.
func NewTreeKiller(ctx context.Context, grace time.Duration, log *slog.Logger) TreeKiller {
	if log == nil {
		log = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	procs, err := gopsproc.ProcessesWithContext(probeCtx)
	if err == nil && len(procs) > 0 {
		return &snapshotKiller{grace: grace, log: log}
	}
	log.Warn("process table unreadable, falling back to group signals", "err", err)
	return &signalKiller{grace: grace, log: log}
}

type snapshotKiller struct {
	grace time.Duration
	log   *slog.Logger
}

func (k *snapshotKiller) Precise() bool { return true }

func (k *snapshotKiller) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	if !pidAlive(pid) {
		return nil
	}
	targets, err := descendants(ctx, pid)
	if err != nil {
		k.log.Debug("descendant snapshot failed, killing root only", "pid", pid, "err", err)
	}
	// deepest first, root last
	order := make([]int, 0, len(targets)+1)
	for i := len(targets) - 1; i >= 0; i-- {
		order = append(order, targets[i])
	}
	order = append(order, pid)

	politeTree(pid, order)
	if waitDead(ctx, order, k.grace) {
		return nil
	}
	forceTree(pid, order)
	if waitDead(ctx, order, time.Second) {
		return nil
	}
	return fmt.Errorf("kill tree %d: %d processes still alive", pid, countAlive(order))
}

// descendants returns every descendant of root in breadth-first order.
func descendants(ctx context.Context, root int) ([]int, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[int(ppid)] = append(children[int(ppid)], int(p.Pid))
	}
	var out []int
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

func waitDead(ctx context.Context, pids []int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if countAlive(pids) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return countAlive(pids) == 0
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func countAlive(pids []int) int {
	n := 0
	for _, pid := range pids {
		if pidAlive(pid) {
			n++
		}
	}
	return n
}
