//go:build windows

package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

func politeTree(_ int, order []int) {
	// Windows has no polite signal for arbitrary processes; ask taskkill
	// without /F so windowed apps get WM_CLOSE.
	for _, pid := range order {
		_ = taskkill(pid, false)
	}
}

func forceTree(_ int, order []int) {
	for _, pid := range order {
		_ = terminatePID(pid)
	}
}

func taskkill(pid int, force bool) error {
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	// #nosec G204 -- fixed binary, numeric argument
	return exec.Command("taskkill", args...).Run()
}

type signalKiller struct {
	grace time.Duration
	log   *slog.Logger
}

func (k *signalKiller) Precise() bool { return false }

func (k *signalKiller) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 || !pidAlive(pid) {
		return nil
	}
	_ = taskkill(pid, false)
	if waitDead(ctx, []int{pid}, k.grace) {
		return nil
	}
	if err := taskkill(pid, true); err != nil {
		k.log.Debug("taskkill /F failed", "pid", pid, "err", err)
	}
	if waitDead(ctx, []int{pid}, time.Second) {
		return nil
	}
	return fmt.Errorf("kill tree %d: still alive", pid)
}
