package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder writes to a Store from a background goroutine so callers on the
// coordination path never wait for disk. Writes queued while the buffer is
// full are dropped.
type Recorder struct {
	st      Store
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	ch      chan func(context.Context) error
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder starts the writer goroutine.
func NewRecorder(st Store, size int, log *slog.Logger) *Recorder {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		st:      st,
		log:     log,
		timeout: 3 * time.Second,
		ch:      make(chan func(context.Context) error, size),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := op(ctx); err != nil {
			r.log.Warn("history write failed", "err", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(op func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- op:
	default:
		r.dropped.Add(1)
	}
}

// Transition queues a status change.
func (r *Recorder) Transition(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	r.enqueue(func(ctx context.Context) error { return r.st.AppendTransition(ctx, t) })
}

// Launched queues the PID of a freshly launched service.
func (r *Recorder) Launched(rec PIDRecord) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	r.enqueue(func(ctx context.Context) error { return r.st.SavePID(ctx, rec) })
}

// Exited queues removal of the service's PID record.
func (r *Recorder) Exited(service string) {
	r.enqueue(func(ctx context.Context) error { return r.st.DeletePID(ctx, service) })
}

// Dropped returns how many writes were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close drains queued writes. The Store itself stays open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}
