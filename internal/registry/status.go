package registry

import (
	"context"

	"github.com/loykin/helmsman/internal/service"
)

// Status returns a snapshot of one service. Managed services report the
// status derived from their owner.
func (r *Registry) Status(ctx context.Context, id string) (service.Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return service.Snapshot{}, err
	}
	var s service.Snapshot
	if err := r.call(ctx, func() { s = r.snapshotOf(e) }); err != nil {
		return service.Snapshot{}, err
	}
	return s, nil
}

// StatusAll returns snapshots of every service in configuration order.
func (r *Registry) StatusAll(ctx context.Context) ([]service.Snapshot, error) {
	out := make([]service.Snapshot, 0, len(r.order))
	err := r.call(ctx, func() {
		for _, id := range r.order {
			out = append(out, r.snapshotOf(r.entries[id]))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) snapshotOf(e *entry) service.Snapshot {
	if !e.desc.Managed() {
		return e.snapshot()
	}
	s := service.Snapshot{
		ID:        e.desc.ID,
		Name:      e.desc.DisplayName(),
		Port:      e.desc.Port,
		ManagedBy: e.desc.ManagedBy,
		Core:      e.desc.Core,
		Optional:  e.desc.Optional,
		Status:    service.StatusUnknown,
	}
	owner, ok := r.entries[e.desc.ManagedBy]
	if !ok {
		return s
	}
	s.Generation = owner.gen
	s.Status = derive(owner, e.desc.ID)
	if s.Status == service.StatusError && owner.status == service.StatusError && owner.lastErr != nil {
		s.LastError = owner.lastErr.Error()
		s.ErrorKind = service.KindName(owner.lastErr)
	}
	return s
}

// derive maps an owner's state to the status of a service it manages.
func derive(owner *entry, id string) service.Status {
	switch owner.status {
	case service.StatusRunning:
		if owner.desc.SubStatusPath == "" {
			return service.StatusRunning
		}
		if st, ok := owner.sub[id]; ok {
			return st
		}
		return service.StatusUnknown
	case service.StatusStopped, service.StatusStarting, service.StatusError:
		return owner.status
	default:
		return service.StatusUnknown
	}
}
