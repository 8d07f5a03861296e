package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/helmsman/internal/health"
	"github.com/loykin/helmsman/internal/metrics"
	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/internal/service"
	"github.com/loykin/helmsman/internal/store"
)

// exitTailLines is how much captured output accompanies an unexpected exit.
const exitTailLines = 10

// Start launches a service and waits until it is RUNNING or ERROR. Starting
// a running service is a no-op; a start issued while the service is being
// stopped runs once the stop completes.
func (r *Registry) Start(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.desc.Managed() {
		return fmt.Errorf("start %s: %w %s", id, ErrManaged, e.desc.ManagedBy)
	}
	w := make(chan error, 1)
	if err := r.call(ctx, func() { r.requestStart(e, w) }); err != nil {
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrClosed
	}
}

// requestStart runs on the coordination goroutine.
func (r *Registry) requestStart(e *entry, w chan error) {
	switch {
	case e.stopping:
		e.queuedStarts = append(e.queuedStarts, w)
	case e.attempt != nil || e.status == service.StatusStarting:
		e.startWaiters = append(e.startWaiters, w)
	case e.status == service.StatusRunning && e.proc != nil:
		w <- nil
	default:
		e.startWaiters = append(e.startWaiters, w)
		r.beginAttempt(e)
	}
}

func (r *Registry) beginAttempt(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	prev := e.proc
	if prev != nil || e.status == service.StatusError {
		e.restarts++
	}
	e.gen++
	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{gen: e.gen, done: make(chan struct{}), prev: prev}
	e.cancel = cancel
	e.attempt = att
	e.proc = nil
	e.lastErr = nil
	e.failures = 0
	e.sub = nil
	e.requested = time.Now()
	r.setStatus(e, service.StatusStarting, nil)
	go r.runAttempt(ctx, e.desc, att)
}

// runAttempt resolves, reconciles and launches outside the coordination
// goroutine and posts exactly one outcome.
func (r *Registry) runAttempt(ctx context.Context, d service.Descriptor, att *attempt) {
	defer close(att.done)
	r.retire(ctx, d, att.prev)
	proc, err := r.launch(ctx, d)
	att.proc = proc
	if err == nil && ctx.Err() != nil {
		// stopped while launching; the stopper terminates att.proc
		return
	}
	gen := att.gen
	if err != nil {
		r.post(func() { r.onAttemptFailed(d.ID, gen, err) })
		return
	}
	r.post(func() { r.onLaunched(d.ID, gen, proc) })
}

// retire terminates the process of the previous generation before anything
// else of the attempt can fail. A cancelled attempt still terminates it.
func (r *Registry) retire(ctx context.Context, d service.Descriptor, prev Process) {
	if prev == nil {
		return
	}
	lock := r.portLock(d.Port)
	lock.Lock()
	defer lock.Unlock()
	if err := r.launcher.Terminate(context.WithoutCancel(ctx), prev, false); err != nil {
		r.log.Warn("terminate previous process failed", "service", d.ID, "pid", prev.PID(), "err", err)
	}
	prev.WaitOutput(200 * time.Millisecond)
}

func (r *Registry) launch(ctx context.Context, d service.Descriptor) (Process, error) {
	runtime, err := r.resolver.Resolve(ctx, d)
	if err != nil {
		if errors.Is(err, service.ErrRuntimeNotFound) {
			return nil, service.NewError(d.ID, "resolve", service.ErrRuntimeNotFound, err)
		}
		return nil, service.NewError(d.ID, "resolve", service.ErrLaunch, err)
	}
	argv, err := r.command(d, runtime)
	if err != nil {
		return nil, service.NewError(d.ID, "command", service.ErrLaunch, err)
	}
	envList := r.env.ForRuntime(runtime, d.Env)

	lock := r.portLock(d.Port)
	lock.Lock()
	defer lock.Unlock()

	if err := r.reconcile(ctx, d); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the exit tail of this generation must not show older output
	ring := r.entries[d.ID].buf
	ring.Reset()
	sink := r.sink
	opts := process.LaunchOptions{
		Env: envList,
		OnLine: func(_ string, line string) {
			ring.Append(line)
			sink.OnLine(d.ID, line)
		},
	}
	if f := r.entries[d.ID].file; f != nil {
		opts.Output = f
	}
	p, err := r.launcher.Launch(ctx, d, argv, opts)
	if err != nil && errors.Is(err, service.ErrLaunch) && ctx.Err() == nil {
		r.log.Warn("launch failed, retrying after reconciliation", "service", d.ID, "err", err)
		if rerr := r.reconcile(ctx, d); rerr != nil {
			return nil, rerr
		}
		p, err = r.launcher.Launch(ctx, d, argv, opts)
	}
	if err != nil {
		if !errors.Is(err, service.ErrLaunch) && !errors.Is(err, context.Canceled) {
			err = service.NewError(d.ID, "launch", service.ErrLaunch, err)
		}
		return nil, err
	}
	return p, nil
}

// reconcile clears the service port, retrying with backoff while a foreign
// owner keeps it.
func (r *Registry) reconcile(ctx context.Context, d service.Descriptor) error {
	if d.Port <= 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		if free := r.ports.ClearPorts(ctx, []int{d.Port}); free[d.Port] {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return service.NewError(d.ID, "reconcile", service.ErrPortConflict, fmt.Errorf("port %d still in use", d.Port))
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("port conflict, retrying", "service", d.ID, "port", d.Port, "wait", wait)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retries)), ctx), notify)
}

func (r *Registry) onAttemptFailed(id string, gen uint64, err error) {
	e := r.entries[id]
	if e.gen != gen {
		return
	}
	e.attempt = nil
	r.log.Error("service failed to start", "service", id, "op", "start", "err", err)
	r.fail(e, err)
}

func (r *Registry) onLaunched(id string, gen uint64, p Process) {
	e := r.entries[id]
	if e.gen != gen {
		// a stop overtook the launch; its stopper terminates p
		return
	}
	e.attempt = nil
	e.proc = p
	e.startedAt = p.StartedAt()
	metrics.IncStart(id)
	rec := store.PIDRecord{Service: id, PID: p.PID()}
	if ps, ok := p.(interface{ ProcStart() int64 }); ok {
		rec.ProcStart = ps.ProcStart()
	}
	r.history.Launched(rec)

	go r.watchExit(id, gen, p)
	t := health.Target{ID: id, Generation: gen, Detector: r.detector(e.desc), Exited: p.Done()}
	ctx := r.genContext(e)
	go r.monitor.Watch(ctx, t, func(res health.Result) {
		r.post(func() { r.onHealth(res) })
	})
	if e.desc.SubStatusPath != "" {
		go r.pollSubStatus(ctx, id, gen, e.desc, p.Done())
	}
}

// genContext returns a context cancelled with the current generation.
func (r *Registry) genContext(e *entry) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	prev := e.cancel
	e.cancel = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}
	return ctx
}

func (r *Registry) watchExit(id string, gen uint64, p Process) {
	<-p.Done()
	p.WaitOutput(200 * time.Millisecond)
	err := p.ExitErr()
	r.post(func() { r.onExited(id, gen, p, err) })
}

func (r *Registry) onExited(id string, gen uint64, p Process, exitErr error) {
	e := r.entries[id]
	if e.gen != gen || e.proc != p || e.stopping {
		return
	}
	r.history.Exited(id)
	if e.status == service.StatusError {
		// already failed its health checks
		e.proc = nil
		return
	}
	cause := exitErr
	if cause == nil {
		cause = errors.New("exited with status 0")
	}
	if tail := e.buf.Tail(exitTailLines); len(tail) > 0 {
		cause = fmt.Errorf("%w; last output:\n%s", cause, strings.Join(tail, "\n"))
	}
	err := service.NewError(id, "watch", service.ErrProcessDied, cause)
	r.log.Error("service exited unexpectedly", "service", id, "op", "watch", "pid", p.PID(), "err", exitErr)
	e.proc = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	r.fail(e, err)
}

func (r *Registry) onHealth(res health.Result) {
	e := r.entries[res.ID]
	if e.gen != res.Generation || e.stopping || e.proc == nil {
		return
	}
	if e.status == service.StatusError {
		return
	}
	e.lastCheck = res.At
	e.lastOK = res.OK
	e.failures = res.Failures
	switch res.Status {
	case service.StatusRunning:
		if e.status != service.StatusRunning {
			metrics.ObserveStartDuration(res.ID, time.Since(e.requested).Seconds())
			r.setStatus(e, service.StatusRunning, nil)
			notify(e.startWaiters, nil)
			e.startWaiters = nil
		}
	case service.StatusError:
		r.log.Error("service unhealthy", "service", res.ID, "op", "health", "err", res.Err)
		r.fail(e, res.Err)
	}
}

// fail moves e to ERROR and releases start waiters with err.
func (r *Registry) fail(e *entry, err error) {
	e.lastErr = err
	metrics.IncFailure(e.desc.ID, service.KindName(err))
	r.setStatus(e, service.StatusError, err)
	notify(e.startWaiters, err)
	e.startWaiters = nil
}

var allStates = []string{
	service.StatusStopped.String(),
	service.StatusStarting.String(),
	service.StatusRunning.String(),
	service.StatusError.String(),
}

func (r *Registry) setStatus(e *entry, to service.Status, err error) {
	from := e.status
	e.status = to
	if from == to {
		return
	}
	id := e.desc.ID
	metrics.RecordStateTransition(id, from.String(), to.String())
	metrics.SetState(id, to.String(), allStates)
	t := store.Transition{Service: id, From: from.String(), To: to.String(), Generation: e.gen, At: time.Now()}
	if e.proc != nil {
		t.PID = e.proc.PID()
	}
	if err != nil {
		t.Error = err.Error()
		t.Kind = service.KindName(err)
	}
	r.history.Transition(t)
	r.log.Info("service status", "service", id, "from", from.String(), "to", to.String(), "generation", e.gen)
	r.sink.OnLine(id, fmt.Sprintf("[helmsman] %s -> %s", from, to))
}

// Stop terminates a service and its descendants and waits for it. Stopping
// a stopped service is a no-op. A start in flight is cancelled; anything it
// already spawned is terminated as well.
func (r *Registry) Stop(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.desc.Managed() {
		return fmt.Errorf("stop %s: %w %s", id, ErrManaged, e.desc.ManagedBy)
	}
	w := make(chan error, 1)
	if err := r.call(ctx, func() { r.requestStop(e, w) }); err != nil {
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrClosed
	}
}

func (r *Registry) requestStop(e *entry, w chan error) {
	// stop after a queued start wins
	notify(e.queuedStarts, errStopped)
	e.queuedStarts = nil
	if e.stopping {
		e.stopWaiters = append(e.stopWaiters, w)
		return
	}
	if e.idle() {
		r.setStatus(e, service.StatusStopped, nil)
		e.lastErr = nil
		w <- nil
		return
	}
	e.stopping = true
	e.stopWaiters = append(e.stopWaiters, w)
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	notify(e.startWaiters, errStopped)
	e.startWaiters = nil
	att, prev := e.attempt, e.proc
	e.attempt = nil
	metrics.IncStop(e.desc.ID)
	go r.runStop(e.desc.ID, att, prev)
}

func (r *Registry) runStop(id string, att *attempt, prev Process) {
	ctx := context.Background()
	targets := []Process{prev}
	if att != nil {
		<-att.done
		for _, p := range []Process{att.prev, att.proc} {
			if p != nil && p != prev {
				targets = append(targets, p)
			}
		}
	}
	var errs []error
	for _, p := range targets {
		if p == nil {
			continue
		}
		if err := r.launcher.Terminate(ctx, p, true); err != nil {
			errs = append(errs, err)
		}
		p.WaitOutput(200 * time.Millisecond)
	}
	err := errors.Join(errs...)
	r.post(func() { r.onStopped(id, err) })
}

func (r *Registry) onStopped(id string, err error) {
	e := r.entries[id]
	e.stopping = false
	e.proc = nil
	e.sub = nil
	e.failures = 0
	if err != nil {
		r.log.Warn("stop left errors", "service", id, "op", "stop", "err", err)
	}
	e.lastErr = nil
	r.setStatus(e, service.StatusStopped, nil)
	r.history.Exited(id)
	notify(e.stopWaiters, err)
	e.stopWaiters = nil
	if len(e.queuedStarts) > 0 {
		e.startWaiters = append(e.startWaiters, e.queuedStarts...)
		e.queuedStarts = nil
		r.beginAttempt(e)
	}
}

func (r *Registry) pollSubStatus(ctx context.Context, id string, gen uint64, owner service.Descriptor, exited <-chan struct{}) {
	interval := r.monitor.Config().PollInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sub, err := r.subStatus(ctx, owner)
		if err != nil {
			r.log.Debug("sub-status fetch failed", "service", id, "err", err)
		} else {
			r.post(func() {
				e := r.entries[id]
				if e.gen == gen {
					e.sub = sub
				}
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-exited:
			return
		case <-t.C:
		}
	}
}
