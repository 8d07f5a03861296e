package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/loykin/helmsman/internal/service"
	"golang.org/x/sync/errgroup"
)

// waves groups independently started services by Priority, lowest first.
func (r *Registry) waves() [][]service.Descriptor {
	byPrio := map[int][]service.Descriptor{}
	for _, id := range r.order {
		d := r.entries[id].desc
		if d.Managed() {
			continue
		}
		byPrio[d.Priority] = append(byPrio[d.Priority], d)
	}
	prios := make([]int, 0, len(byPrio))
	for p := range byPrio {
		prios = append(prios, p)
	}
	sort.Ints(prios)
	out := make([][]service.Descriptor, 0, len(prios))
	for _, p := range prios {
		out = append(out, byPrio[p])
	}
	return out
}

// StartAll starts every independently started service, one priority wave
// at a time with the services of a wave started concurrently. Only a core,
// non-optional service ending in ERROR fails the fleet; the returned
// *service.FleetError names every such service. Later waves still start.
func (r *Registry) StartAll(ctx context.Context) error {
	var fleet service.FleetError
	for _, wave := range r.waves() {
		var (
			g  errgroup.Group
			mu sync.Mutex
		)
		for _, d := range wave {
			g.Go(func() error {
				err := r.Start(ctx, d.ID)
				if err == nil {
					return nil
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
					return err
				}
				switch {
				case d.Fatal():
					r.log.Error("core service failed", "service", d.ID, "op", "start-all", "err", err)
					mu.Lock()
					fleet.Failed = append(fleet.Failed, asServiceError(d.ID, err))
					mu.Unlock()
				case d.Optional:
					r.log.Warn("optional service failed", "service", d.ID, "op", "start-all", "err", err)
				default:
					r.log.Error("service failed", "service", d.ID, "op", "start-all", "err", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	if len(fleet.Failed) > 0 {
		sort.Slice(fleet.Failed, func(i, j int) bool { return fleet.Failed[i].ID < fleet.Failed[j].ID })
		return &fleet
	}
	return nil
}

func asServiceError(id string, err error) *service.Error {
	var se *service.Error
	if errors.As(err, &se) {
		return se
	}
	return service.NewError(id, "start", service.ErrLaunch, err)
}

// StopAll stops every independently started service, highest priority
// wave first. It is idempotent.
func (r *Registry) StopAll(ctx context.Context) error {
	waves := r.waves()
	var errs []error
	var mu sync.Mutex
	for i := len(waves) - 1; i >= 0; i-- {
		var g errgroup.Group
		for _, d := range waves[i] {
			g.Go(func() error {
				if err := r.Stop(ctx, d.ID); err != nil && !errors.Is(err, ErrClosed) {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(errs...)
}

// RestartPortConflicts evicts foreign owners of ports and restarts the
// services bound to them that were not stopped. The result reports per
// port whether it ended up free of foreign owners.
func (r *Registry) RestartPortConflicts(ctx context.Context, ports []int) (map[int]bool, error) {
	want := map[int]bool{}
	for _, p := range ports {
		want[p] = true
	}
	var active []service.Descriptor
	err := r.call(ctx, func() {
		for _, id := range r.order {
			e := r.entries[id]
			if e.desc.Managed() || !want[e.desc.Port] {
				continue
			}
			if e.status != service.StatusStopped || e.stopping {
				active = append(active, e.desc)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, d := range active {
		g.Go(func() error { return r.Stop(ctx, d.ID) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	free := r.ports.ClearPorts(ctx, ports)

	var (
		rg   errgroup.Group
		errs []error
		mu   sync.Mutex
	)
	for _, d := range active {
		rg.Go(func() error {
			if err := r.Start(ctx, d.ID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = rg.Wait()
	return free, errors.Join(errs...)
}
