package registry

import (
	"context"

	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/internal/store"
)

// ReapStale kills process trees left behind by an earlier orchestrator run.
// A record only matches while its PID is alive with the recorded OS start
// time, so recycled PIDs are left alone. Services that already run in this
// registry are skipped. startTime defaults to process.StartTime. It returns
// the services whose leftovers were killed.
func (r *Registry) ReapStale(ctx context.Context, recs []store.PIDRecord, startTime func(pid int) int64) []string {
	if startTime == nil {
		startTime = process.StartTime
	}
	live := map[string]bool{}
	_ = r.call(ctx, func() {
		for id, e := range r.entries {
			if !e.idle() {
				live[id] = true
			}
		}
	})
	var reaped []string
	for _, rec := range recs {
		if live[rec.Service] {
			continue
		}
		if rec.PID <= 0 || rec.ProcStart == 0 {
			r.history.Exited(rec.Service)
			continue
		}
		if st := startTime(rec.PID); st == 0 || st != rec.ProcStart {
			r.history.Exited(rec.Service)
			continue
		}
		r.log.Warn("killing process left by a previous run", "service", rec.Service, "pid", rec.PID)
		if err := r.ports.KillTree(ctx, rec.PID); err != nil {
			r.log.Warn("reap failed", "service", rec.Service, "pid", rec.PID, "err", err)
			continue
		}
		r.history.Exited(rec.Service)
		reaped = append(reaped, rec.Service)
	}
	return reaped
}
