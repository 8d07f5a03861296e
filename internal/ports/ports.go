// Package ports finds and evicts processes occupying the TCP ports the
// fleet needs.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/helmsman/internal/metrics"
)

// Ownership maps a port to the PIDs holding a socket on it. Only occupied
// ports are present; a port held only by sockets nobody could attribute
// maps to an empty slice. It is computed fresh on every call.
type Ownership map[int][]int32

// PIDs returns the distinct PIDs across all ports, sorted.
func (o Ownership) PIDs() []int32 {
	seen := map[int32]bool{}
	var out []int32
	for _, pids := range o {
		for _, p := range pids {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lister reads the OS socket table.
type Lister interface {
	Owners(ctx context.Context, ports []int) (Ownership, error)
}

// Killer terminates a process tree.
type Killer interface {
	KillTree(ctx context.Context, pid int) error
}

// Defaults for ClearPorts.
const (
	DefaultClearTimeout = 5 * time.Second
	DefaultClearPasses  = 5
)

// Options configures a Reconciler.
type Options struct {
	Primary  Lister
	Fallback Lister
	Killer   Killer
	// Timeout bounds ClearPorts in wall-clock time.
	Timeout time.Duration
	// Passes caps the number of find+kill rounds.
	Passes int
	Logger *slog.Logger
}

// Reconciler finds and clears port owners.
type Reconciler struct {
	primary  Lister
	fallback Lister
	killer   Killer
	self     int32
	timeout  time.Duration
	passes   int
	log      *slog.Logger
}

// New builds a Reconciler. Missing listers default to the socket table
// and the platform's lsof/netstat fallback.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		killer:   opts.Killer,
		self:     int32(os.Getpid()),
		timeout:  opts.Timeout,
		passes:   opts.Passes,
		log:      opts.Logger,
	}
	if r.primary == nil {
		r.primary = SocketLister{}
	}
	if r.fallback == nil {
		r.fallback = NewCommandLister()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultClearTimeout
	}
	if r.passes <= 0 {
		r.passes = DefaultClearPasses
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// FindOwners returns the PIDs holding LISTEN or ESTABLISHED sockets on the
// given local ports, excluding this process. Sockets the socket table
// reports without a PID (another user's, without privileges) are looked
// up with the fallback lister; ports it cannot attribute either stay
// occupied with no PIDs.
func (r *Reconciler) FindOwners(ctx context.Context, ports []int) (Ownership, error) {
	if len(ports) == 0 {
		return Ownership{}, nil
	}
	own, err := r.primary.Owners(ctx, ports)
	if err != nil {
		r.log.Debug("socket table unavailable, using fallback lister", "err", err)
		var ferr error
		own, ferr = r.fallback.Owners(ctx, ports)
		if ferr != nil {
			return nil, fmt.Errorf("find port owners: %w", errors.Join(err, ferr))
		}
		return r.filter(own), nil
	}
	if unknown := unattributed(own); len(unknown) > 0 {
		more, ferr := r.fallback.Owners(ctx, unknown)
		if ferr != nil {
			r.log.Debug("cannot attribute port owners", "ports", unknown, "err", ferr)
		}
		for port, pids := range more {
			own[port] = append(own[port], pids...)
		}
	}
	return r.filter(own), nil
}

// unattributed lists the ports with at least one socket lacking a PID.
func unattributed(own Ownership) []int {
	var out []int
	for port, pids := range own {
		for _, p := range pids {
			if p <= 0 {
				out = append(out, port)
				break
			}
		}
	}
	sort.Ints(out)
	return out
}

// filter drops this process and duplicate PIDs. A port whose only owners
// have no PID is kept, empty, so it does not look free.
func (r *Reconciler) filter(own Ownership) Ownership {
	out := Ownership{}
	for port, pids := range own {
		seen := map[int32]bool{}
		var kept []int32
		unknown := false
		for _, p := range pids {
			switch {
			case p <= 0:
				unknown = true
			case p == r.self || seen[p]:
			default:
				seen[p] = true
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 && !unknown {
			continue
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
		if kept == nil {
			kept = []int32{}
		}
		out[port] = kept
	}
	return out
}

// KillTree delegates to the configured tree killer.
func (r *Reconciler) KillTree(ctx context.Context, pid int) error {
	if r.killer == nil {
		return errors.New("ports: no tree killer configured")
	}
	if int32(pid) == r.self {
		return fmt.Errorf("ports: refusing to kill own pid %d", pid)
	}
	return r.killer.KillTree(ctx, pid)
}

// ClearPorts repeatedly finds and kills the owners of ports until none are
// left, the pass cap is reached or the time budget runs out. The result
// reports per port whether it is free. A port nobody held is free.
func (r *Reconciler) ClearPorts(ctx context.Context, ports []int) map[int]bool {
	result := make(map[int]bool, len(ports))
	if len(ports) == 0 {
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = r.timeout
	b.Reset()

	var last Ownership
	for pass := 1; ; pass++ {
		own, err := r.FindOwners(ctx, ports)
		if err != nil {
			if last == nil {
				r.log.Warn("cannot read port owners", "ports", ports, "err", err)
				for _, p := range ports {
					result[p] = false
				}
				return result
			}
			own = last
		} else {
			last = own
		}
		if len(own) == 0 || pass > r.passes {
			break
		}
		for _, pid := range own.PIDs() {
			r.log.Info("killing port owner", "pid", pid, "pass", pass)
			if err := r.KillTree(ctx, int(pid)); err != nil {
				r.log.Warn("kill port owner failed", "pid", pid, "err", err)
				continue
			}
			metrics.IncPortKill()
		}
		wait := b.NextBackOff()
		if wait != backoff.Stop {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
		if wait == backoff.Stop || ctx.Err() != nil {
			// budget spent: one last look so the answer reflects the kills
			fctx, fcancel := context.WithTimeout(context.Background(), time.Second)
			if own, err := r.FindOwners(fctx, ports); err == nil {
				last = own
			}
			fcancel()
			break
		}
	}
	for _, p := range ports {
		_, busy := last[p]
		result[p] = !busy
	}
	return result
}
