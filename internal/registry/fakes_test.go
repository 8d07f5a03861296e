package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/helmsman/internal/detector"
	"github.com/loykin/helmsman/internal/health"
	"github.com/loykin/helmsman/internal/ports"
	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/internal/service"
	"github.com/loykin/helmsman/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid     int
	started time.Time
	done    chan struct{}
	once    sync.Once
	exitErr error
}

func (p *fakeProc) PID() int                      { return p.pid }
func (p *fakeProc) StartedAt() time.Time          { return p.started }
func (p *fakeProc) Done() <-chan struct{}         { return p.done }
func (p *fakeProc) WaitOutput(time.Duration) bool { return true }

func (p *fakeProc) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

func (p *fakeProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type launchCall struct {
	id   string
	argv []string
	env  []string
	proc *fakeProc
}

type fakeLauncher struct {
	mu        sync.Mutex
	nextPID   int
	launches  []launchCall
	failures  map[string]int // remaining launch errors per service
	gate      chan struct{}  // when set, Launch blocks until closed
	entered   chan string    // receives the id of every Launch call
	stopGate  chan struct{}  // when set, Terminate blocks until closed
	output    map[string][]string
	terminate []*fakeProc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, failures: map[string]int{}, output: map[string][]string{}}
}

func (l *fakeLauncher) Launch(ctx context.Context, d service.Descriptor, argv []string, opts process.LaunchOptions) (Process, error) {
	l.mu.Lock()
	gate, entered := l.gate, l.entered
	l.mu.Unlock()
	if entered != nil {
		entered <- d.ID
	}
	if gate != nil {
		<-gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures[d.ID] > 0 {
		l.failures[d.ID]--
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, errors.New("exec format error"))
	}
	l.nextPID++
	p := &fakeProc{pid: l.nextPID, started: time.Now(), done: make(chan struct{})}
	l.launches = append(l.launches, launchCall{id: d.ID, argv: argv, env: opts.Env, proc: p})
	for _, line := range l.output[d.ID] {
		opts.OnLine(process.Stdout, line)
	}
	return p, nil
}

func (l *fakeLauncher) Terminate(_ context.Context, p Process, _ bool) error {
	l.mu.Lock()
	gate := l.stopGate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	fp := p.(*fakeProc)
	l.mu.Lock()
	l.terminate = append(l.terminate, fp)
	l.mu.Unlock()
	fp.exit(errors.New("signal: terminated"))
	return nil
}

func (l *fakeLauncher) launchesOf(id string) []launchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []launchCall
	for _, c := range l.launches {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

func (l *fakeLauncher) allLaunches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.launches))
	for _, c := range l.launches {
		out = append(out, c.id)
	}
	return out
}

type fakeResolver struct {
	missing map[string]bool
}

func (r fakeResolver) Resolve(_ context.Context, d service.Descriptor) (string, error) {
	if r.missing[d.ID] {
		return "", fmt.Errorf("no 3.x runtime <= 3.%d: %w", d.MaxMinor, service.ErrRuntimeNotFound)
	}
	if !d.NeedsRuntime() {
		return "", nil
	}
	return "/opt/py/bin/python3", nil
}

type fakePorts struct {
	mu        sync.Mutex
	busy      map[int]bool
	evictable map[int]bool // busy ports whose foreign owner dies when killed
	clears    [][]int
	killed    []int
}

func (p *fakePorts) FindOwners(_ context.Context, ps []int) (ports.Ownership, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	own := ports.Ownership{}
	for _, port := range ps {
		if p.busy[port] {
			own[port] = []int32{4242}
		}
	}
	return own, nil
}

func (p *fakePorts) ClearPorts(_ context.Context, ps []int) map[int]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = append(p.clears, append([]int(nil), ps...))
	out := map[int]bool{}
	for _, port := range ps {
		if p.busy[port] && p.evictable[port] {
			p.killed = append(p.killed, 4242)
			p.busy[port] = false
		}
		out[port] = !p.busy[port]
	}
	return out
}

func (p *fakePorts) KillTree(_ context.Context, pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, pid)
	return nil
}

func (p *fakePorts) clearCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clears)
}

// health switches per service
type fakeHealth struct {
	mu sync.Mutex
	ok map[string]*atomic.Bool
}

func (h *fakeHealth) flag(id string) *atomic.Bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ok == nil {
		h.ok = map[string]*atomic.Bool{}
	}
	b, ok := h.ok[id]
	if !ok {
		b = &atomic.Bool{}
		b.Store(true)
		h.ok[id] = b
	}
	return b
}

func (h *fakeHealth) detector(d service.Descriptor) detector.Detector {
	return flagDetector{id: d.ID, ok: h.flag(d.ID)}
}

type flagDetector struct {
	id string
	ok *atomic.Bool
}

func (f flagDetector) Alive(context.Context) (bool, error) {
	if f.ok.Load() {
		return true, nil
	}
	return false, errors.New("connection refused")
}

func (f flagDetector) Describe() string { return "flag:" + f.id }

// gatedDetector holds its first check until gate is closed and then reports
// healthy; later checks follow ok.
type gatedDetector struct {
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	ok      atomic.Bool
}

func newGatedDetector() *gatedDetector {
	return &gatedDetector{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedDetector) Alive(context.Context) (bool, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.gate
		return true, nil
	}
	if g.ok.Load() {
		return true, nil
	}
	return false, errors.New("connection refused")
}

func (g *gatedDetector) Describe() string { return "gated" }

type memHistory struct {
	mu          sync.Mutex
	transitions []store.Transition
	launched    []store.PIDRecord
	exited      []string
}

func (h *memHistory) Transition(t store.Transition) {
	h.mu.Lock()
	h.transitions = append(h.transitions, t)
	h.mu.Unlock()
}

func (h *memHistory) Launched(rec store.PIDRecord) {
	h.mu.Lock()
	h.launched = append(h.launched, rec)
	h.mu.Unlock()
}

func (h *memHistory) Exited(id string) {
	h.mu.Lock()
	h.exited = append(h.exited, id)
	h.mu.Unlock()
}

func (h *memHistory) statuses(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, t := range h.transitions {
		if t.Service == id {
			out = append(out, t.To)
		}
	}
	return out
}

type harness struct {
	reg      *Registry
	launcher *fakeLauncher
	ports    *fakePorts
	health   *fakeHealth
	history  *memHistory
	sub      *atomic.Value
}

func svc(id string, port int) service.Descriptor {
	return service.Descriptor{
		ID:      id,
		Port:    port,
		Dir:     "/srv/" + id,
		Command: []string{"{runtime}", "-m", id, "--port", "{port}"},
	}
}

func newHarness(t *testing.T, services []service.Descriptor, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		launcher: newFakeLauncher(),
		ports:    &fakePorts{busy: map[int]bool{}},
		health:   &fakeHealth{},
		history:  &memHistory{},
		sub:      &atomic.Value{},
	}
	h.sub.Store(map[string]service.Status{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{
		Services: services,
		Resolver: fakeResolver{},
		Ports:    h.ports,
		Launcher: h.launcher,
		Monitor: health.New(health.Config{
			StartupAttempts:  10,
			StartupInterval:  5 * time.Millisecond,
			PollInterval:     20 * time.Millisecond,
			ProbeTimeout:     20 * time.Millisecond,
			FailureThreshold: 2,
		}, log),
		Detector: h.health.detector,
		SubStatus: func(context.Context, service.Descriptor) (map[string]service.Status, error) {
			return h.sub.Load().(map[string]service.Status), nil
		},
		History:     h.history,
		Logger:      log,
		PortRetries: 1,
	}
	if tweak != nil {
		tweak(&opts)
	}
	reg, err := New(opts)
	require.NoError(t, err)
	h.reg = reg
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return h
}

func (h *harness) status(t *testing.T, id string) service.Snapshot {
	t.Helper()
	s, err := h.reg.Status(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) eventually(t *testing.T, id string, want service.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, id).Status == want }, 3*time.Second, 5*time.Millisecond,
		"service %s never reached %s", id, want)
}
