//go:build !windows

package process

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

func politeTree(root int, order []int) {
	if isGroupLeader(root) {
		_ = syscall.Kill(-root, syscall.SIGTERM)
	}
	for _, pid := range order {
		_ = signalPID(pid, syscall.SIGTERM)
	}
}

func forceTree(root int, order []int) {
	if isGroupLeader(root) {
		_ = syscall.Kill(-root, syscall.SIGKILL)
	}
	for _, pid := range order {
		_ = signalPID(pid, syscall.SIGKILL)
	}
}

// signalKiller relies on process-group semantics alone.
type signalKiller struct {
	grace time.Duration
	log   *slog.Logger
}

func (k *signalKiller) Precise() bool { return false }

func (k *signalKiller) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 || !pidAlive(pid) {
		return nil
	}
	_ = signalGroup(pid, syscall.SIGTERM)
	if waitDead(ctx, []int{pid}, k.grace) {
		return nil
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	if waitDead(ctx, []int{pid}, time.Second) {
		return nil
	}
	return fmt.Errorf("kill tree %d: still alive", pid)
}
