// Package helmsman orchestrates a fleet of local service processes: it
// resolves their runtimes, clears ports left by crashed runs, launches and
// health-checks them, and makes sure no child outlives the orchestrator.
package helmsman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/helmsman/internal/config"
	"github.com/loykin/helmsman/internal/env"
	"github.com/loykin/helmsman/internal/health"
	"github.com/loykin/helmsman/internal/logger"
	"github.com/loykin/helmsman/internal/metrics"
	"github.com/loykin/helmsman/internal/ports"
	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/internal/registry"
	"github.com/loykin/helmsman/internal/server"
	"github.com/loykin/helmsman/internal/service"
	"github.com/loykin/helmsman/internal/store"
	"github.com/loykin/helmsman/internal/store/sqlite"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Descriptor = service.Descriptor

type Status = service.Status

type Snapshot = service.Snapshot

type FleetError = service.FleetError

type ServiceError = service.Error

type Config = config.Config

type Transition = store.Transition

type LineSink = logger.LineSink

type PortOwner = ports.Owner

const (
	StatusUnknown  = service.StatusUnknown
	StatusStopped  = service.StatusStopped
	StatusStarting = service.StatusStarting
	StatusRunning  = service.StatusRunning
	StatusError    = service.StatusError
)

var (
	ErrRuntimeNotFound    = service.ErrRuntimeNotFound
	ErrLaunch             = service.ErrLaunch
	ErrPortConflict       = service.ErrPortConflict
	ErrHealthProbeTimeout = service.ErrHealthProbeTimeout
	ErrProcessDied        = service.ErrProcessDied
	ErrUnknownService     = service.ErrUnknownService
	ErrManaged            = registry.ErrManaged
	ErrClosed             = registry.ErrClosed
)

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns defaults plus HELMSMAN_ environment overrides.
func DefaultConfig() (*Config, error) { return config.Default() }

// Options configures an Orchestrator.
type Options struct {
	Config *Config
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Sink receives every output line and status change; it is wrapped in a
	// non-blocking queue. Nil forwards lines to Logger.
	Sink LineSink
	// Registerer receives the prometheus collectors; nil skips registration.
	Registerer prometheus.Registerer
	// Resolver overrides runtime resolution, mostly for tests.
	Resolver registry.Resolver
}

// Orchestrator owns the process group, the registry and the optional
// history store. Close must be called on every exit path.
type Orchestrator struct {
	cfg      *Config
	log      *slog.Logger
	group    *process.Group
	sup      *process.Supervisor
	ports    *ports.Reconciler
	reg      *registry.Registry
	sink     *logger.AsyncSink
	db       store.Store
	recorder *store.Recorder

	closeOnce sync.Once
	closeErr  error
}

// New wires every component from the configuration. Leftovers of a previous
// run recorded in the history store are killed before it returns.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	o := &Orchestrator{cfg: cfg, log: log}
	o.group = process.NewGroup(log)
	killer := process.NewTreeKiller(ctx, cfg.Process.KillGrace, log)
	o.sup = process.NewSupervisor(process.Options{
		Group:       o.group,
		Killer:      killer,
		StopTimeout: cfg.Process.StopTimeout,
		Logger:      log,
	})
	o.ports = ports.New(ports.Options{
		Killer:  killer,
		Timeout: cfg.Ports.ClearTimeout,
		Passes:  cfg.Ports.ClearPasses,
		Logger:  log,
	})

	var history registry.History
	if cfg.HistoryDB != "" {
		if err := o.openHistory(ctx); err != nil {
			_ = o.group.Close()
			return nil, err
		}
		history = o.recorder
	}

	next := opts.Sink
	if next == nil {
		next = logger.SlogSink{Log: log}
	}
	o.sink = logger.NewAsyncSink(next, 4096)

	resolver := opts.Resolver
	if resolver == nil {
		resolver = env.NewResolver(env.ResolverOptions{})
	}
	reg, err := registry.New(registry.Options{
		Services:    cfg.Services,
		Resolver:    resolver,
		Ports:       o.ports,
		Launcher:    registry.SupervisorLauncher{Supervisor: o.sup},
		Monitor:     health.New(cfg.Health.Monitor(), log),
		Env:         cfg.Environment(),
		Sink:        o.sink,
		Files:       cfg.ServiceLogs,
		BufferLines: cfg.Process.BufferLines,
		History:     history,
		Logger:      log,
		Host:        cfg.Host,
		PortRetries: cfg.Ports.Retries,
	})
	if err != nil {
		_ = o.closeResources()
		return nil, err
	}
	o.reg = reg
	o.reap(ctx)
	return o, nil
}

func (o *Orchestrator) openHistory(ctx context.Context) error {
	db, err := sqlite.New(o.cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("history schema: %w", err)
	}
	if ret := o.cfg.HistoryRetention; ret > 0 {
		if n, err := db.PurgeOlderThan(ctx, time.Now().Add(-ret)); err != nil {
			o.log.Warn("history purge failed", "err", err)
		} else if n > 0 {
			o.log.Debug("history purged", "rows", n)
		}
	}
	o.db = db
	o.recorder = store.NewRecorder(db, 1024, o.log)
	return nil
}

// reap kills process trees that a crashed earlier run left behind.
func (o *Orchestrator) reap(ctx context.Context) {
	if o.db == nil {
		return
	}
	recs, err := o.db.PIDs(ctx)
	if err != nil {
		o.log.Warn("read recorded pids failed", "err", err)
		return
	}
	if reaped := o.reg.ReapStale(ctx, recs, nil); len(reaped) > 0 {
		o.log.Info("killed leftovers of a previous run", "services", reaped)
	}
}

// Config returns the configuration in use.
func (o *Orchestrator) Config() *Config { return o.cfg }

// Services returns the descriptors in configuration order.
func (o *Orchestrator) Services() []Descriptor { return o.reg.Services() }

func (o *Orchestrator) Start(ctx context.Context, id string) error { return o.reg.Start(ctx, id) }
func (o *Orchestrator) Stop(ctx context.Context, id string) error  { return o.reg.Stop(ctx, id) }
func (o *Orchestrator) StartAll(ctx context.Context) error         { return o.reg.StartAll(ctx) }
func (o *Orchestrator) StopAll(ctx context.Context) error          { return o.reg.StopAll(ctx) }

func (o *Orchestrator) Status(ctx context.Context, id string) (Snapshot, error) {
	return o.reg.Status(ctx, id)
}

func (o *Orchestrator) StatusAll(ctx context.Context) ([]Snapshot, error) {
	return o.reg.StatusAll(ctx)
}

// Logs returns up to n buffered output lines of a service.
func (o *Orchestrator) Logs(id string, n int) ([]string, error) { return o.reg.Logs(id, n) }

// RestartPortConflicts evicts foreign port owners and restarts the services
// bound to those ports.
func (o *Orchestrator) RestartPortConflicts(ctx context.Context, ps []int) (map[int]bool, error) {
	return o.reg.RestartPortConflicts(ctx, ps)
}

// PortOwners describes the processes holding ports.
func (o *Orchestrator) PortOwners(ctx context.Context, ps []int) ([]PortOwner, error) {
	own, err := o.ports.FindOwners(ctx, ps)
	if err != nil {
		return nil, err
	}
	return ports.Describe(ctx, own), nil
}

// History returns recorded transitions of a service, newest first.
func (o *Orchestrator) History(ctx context.Context, id string, limit int) ([]Transition, error) {
	if o.db == nil {
		return nil, errors.New("history store not configured")
	}
	return o.db.History(ctx, id, limit)
}

// Handler returns the HTTP API. basePath may be empty.
func (o *Orchestrator) Handler(basePath string) http.Handler {
	return o.router(basePath).Handler()
}

// Server returns an unstarted HTTP server for the API on addr.
func (o *Orchestrator) Server(addr, basePath string) *http.Server {
	return server.NewServer(addr, o.router(basePath))
}

func (o *Orchestrator) router(basePath string) *server.Router {
	opts := server.Options{Owners: o.ports}
	if o.db != nil {
		opts.History = o.db
	}
	return server.NewRouter(o.reg, basePath, opts)
}

// Close stops every service, flushes history and tears down the process
// group so that no child survives. It is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		var errs []error
		if err := o.reg.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := o.closeResources(); err != nil {
			errs = append(errs, err)
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

func (o *Orchestrator) closeResources() error {
	var errs []error
	if err := o.group.Close(); err != nil {
		errs = append(errs, err)
	}
	if o.sink != nil {
		o.sink.Close()
	}
	if o.recorder != nil {
		o.recorder.Close()
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
