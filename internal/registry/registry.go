// Package registry owns the runtime state of every service and coordinates
// their lifecycles. All state lives in entries that are only touched by a
// single coordination goroutine; callers and background work talk to it
// through a message queue.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/helmsman/internal/detector"
	"github.com/loykin/helmsman/internal/env"
	"github.com/loykin/helmsman/internal/health"
	"github.com/loykin/helmsman/internal/logger"
	"github.com/loykin/helmsman/internal/ports"
	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/internal/service"
	"github.com/loykin/helmsman/internal/store"
)

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("registry closed")

// ErrManaged is returned when a managed service is started or stopped
// directly; its owner controls it.
var ErrManaged = errors.New("service is managed by")

// errStopped is handed to start waiters overtaken by a stop.
var errStopped = errors.New("start cancelled by stop")

// Resolver finds the runtime for a service.
type Resolver interface {
	Resolve(ctx context.Context, d service.Descriptor) (string, error)
}

// PortClearer evicts foreign port owners.
type PortClearer interface {
	FindOwners(ctx context.Context, ports []int) (ports.Ownership, error)
	ClearPorts(ctx context.Context, ports []int) map[int]bool
	KillTree(ctx context.Context, pid int) error
}

// Process is a launched child as seen by the registry.
type Process interface {
	PID() int
	StartedAt() time.Time
	Done() <-chan struct{}
	ExitErr() error
	WaitOutput(d time.Duration) bool
}

// Launcher starts and stops child processes.
type Launcher interface {
	Launch(ctx context.Context, d service.Descriptor, argv []string, opts process.LaunchOptions) (Process, error)
	Terminate(ctx context.Context, p Process, graceful bool) error
}

// History receives transitions and PID bookkeeping. It must not block.
type History interface {
	Transition(t store.Transition)
	Launched(rec store.PIDRecord)
	Exited(service string)
}

// CommandBuilder turns a descriptor and resolved runtime into argv.
type CommandBuilder func(d service.Descriptor, runtime string) ([]string, error)

// DefaultCommand expands the descriptor's argv template.
func DefaultCommand(d service.Descriptor, runtime string) ([]string, error) {
	argv := d.Expand(runtime)
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("service %s: empty command", d.ID)
	}
	return argv, nil
}

// SubStatusFunc fetches the sub-statuses reported by an owner service.
type SubStatusFunc func(ctx context.Context, owner service.Descriptor) (map[string]service.Status, error)

// Options wires a Registry. Services, Resolver, Ports and Launcher are
// required; everything else has a default.
type Options struct {
	Services []service.Descriptor
	Resolver Resolver
	Ports    PortClearer
	Launcher Launcher

	Monitor     *health.Monitor
	Detector    func(d service.Descriptor) detector.Detector
	SubStatus   SubStatusFunc
	Env         *env.Env
	Command     CommandBuilder
	Sink        logger.LineSink
	Files       logger.FileConfig
	BufferLines int
	History     History
	Logger      *slog.Logger
	// Host is where health probes connect, 127.0.0.1 by default.
	Host string
	// PortRetries is how many extra reconciliation rounds a PortConflict gets.
	PortRetries int
}

// Registry is the fleet coordinator.
type Registry struct {
	order   []string
	entries map[string]*entry

	resolver  Resolver
	ports     PortClearer
	launcher  Launcher
	monitor   *health.Monitor
	detector  func(d service.Descriptor) detector.Detector
	subStatus SubStatusFunc
	env       *env.Env
	command   CommandBuilder
	sink      logger.LineSink
	history   History
	log       *slog.Logger
	retries   int

	msgs     chan func()
	quit     chan struct{}
	quitOnce sync.Once

	portMu    sync.Mutex
	portLocks map[int]*sync.Mutex
}

// New validates the descriptors and starts the coordination goroutine.
func New(opts Options) (*Registry, error) {
	if err := service.ValidateSet(opts.Services); err != nil {
		return nil, err
	}
	if opts.Resolver == nil || opts.Ports == nil || opts.Launcher == nil {
		return nil, errors.New("registry: resolver, ports and launcher are required")
	}
	r := &Registry{
		entries:   make(map[string]*entry, len(opts.Services)),
		resolver:  opts.Resolver,
		ports:     opts.Ports,
		launcher:  opts.Launcher,
		monitor:   opts.Monitor,
		detector:  opts.Detector,
		subStatus: opts.SubStatus,
		env:       opts.Env,
		command:   opts.Command,
		sink:      opts.Sink,
		history:   opts.History,
		log:       opts.Logger,
		retries:   opts.PortRetries,
		msgs:      make(chan func(), 256),
		quit:      make(chan struct{}),
		portLocks: make(map[int]*sync.Mutex),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.monitor == nil {
		r.monitor = health.New(health.Config{}, r.log)
	}
	if r.detector == nil {
		host, timeout := opts.Host, r.monitor.Config().ProbeTimeout
		r.detector = func(d service.Descriptor) detector.Detector {
			return detector.ForService(d, host, timeout)
		}
	}
	if r.subStatus == nil {
		host, timeout := opts.Host, r.monitor.Config().ProbeTimeout
		r.subStatus = func(ctx context.Context, owner service.Descriptor) (map[string]service.Status, error) {
			return detector.FetchSubStatus(ctx, nil, detector.SubStatusURL(owner, host), timeout)
		}
	}
	if r.env == nil {
		r.env = env.New()
		r.env.FromOS()
	}
	if r.command == nil {
		r.command = DefaultCommand
	}
	if r.sink == nil {
		r.sink = logger.Discard
	}
	if r.history == nil {
		r.history = noHistory{}
	}
	if r.retries <= 0 {
		r.retries = 2
	}
	for _, d := range opts.Services {
		r.order = append(r.order, d.ID)
		r.entries[d.ID] = newEntry(d, opts.BufferLines, opts.Files.Writer(d.ID))
	}
	go r.loop()
	return r, nil
}

func (r *Registry) loop() {
	for {
		select {
		case f := <-r.msgs:
			f()
		case <-r.quit:
			return
		}
	}
}

// post queues f for the coordination goroutine. It is called from
// background goroutines only; the loop itself never posts.
func (r *Registry) post(f func()) bool {
	select {
	case r.msgs <- f:
		return true
	case <-r.quit:
		return false
	}
}

// call runs f on the coordination goroutine and waits for it.
func (r *Registry) call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case r.msgs <- func() { f(); close(done) }:
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.quit:
		return ErrClosed
	}
}

func (r *Registry) portLock(port int) *sync.Mutex {
	r.portMu.Lock()
	defer r.portMu.Unlock()
	m, ok := r.portLocks[port]
	if !ok {
		m = &sync.Mutex{}
		r.portLocks[port] = m
	}
	return m
}

// Services returns the descriptors in configuration order.
func (r *Registry) Services() []service.Descriptor {
	out := make([]service.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].desc)
	}
	return out
}

func (r *Registry) lookup(id string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, service.NewError(id, "lookup", service.ErrUnknownService, nil)
	}
	return e, nil
}

// Logs returns up to n buffered output lines of a service, oldest first.
func (r *Registry) Logs(id string, n int) ([]string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.buf.Tail(n), nil
}

// Close stops every service and the coordination goroutine.
func (r *Registry) Close(ctx context.Context) error {
	err := r.StopAll(ctx)
	r.quitOnce.Do(func() { close(r.quit) })
	for _, e := range r.entries {
		if e.file != nil {
			_ = e.file.Close()
		}
	}
	return err
}

type noHistory struct{}

func (noHistory) Transition(store.Transition) {}
func (noHistory) Launched(store.PIDRecord)    {}
func (noHistory) Exited(string)               {}

// SupervisorLauncher adapts a process.Supervisor to Launcher.
type SupervisorLauncher struct {
	Supervisor *process.Supervisor
}

func (l SupervisorLauncher) Launch(ctx context.Context, d service.Descriptor, argv []string, opts process.LaunchOptions) (Process, error) {
	h, err := l.Supervisor.Launch(ctx, d, argv, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l SupervisorLauncher) Terminate(ctx context.Context, p Process, graceful bool) error {
	h, ok := p.(*process.Handle)
	if !ok {
		return fmt.Errorf("terminate: unexpected process type %T", p)
	}
	return l.Supervisor.Terminate(ctx, h, graceful)
}
