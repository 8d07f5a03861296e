package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// LineSink receives one line of captured service output. Implementations
// must not block the caller.
type LineSink interface {
	OnLine(serviceID, text string)
}

// SinkFunc adapts a function to LineSink.
type SinkFunc func(serviceID, text string)

func (f SinkFunc) OnLine(serviceID, text string) { f(serviceID, text) }

// Discard drops every line.
var Discard LineSink = SinkFunc(func(string, string) {})

// MultiSink fans a line out to every sink in order.
type MultiSink []LineSink

func (m MultiSink) OnLine(serviceID, text string) {
	for _, s := range m {
		if s != nil {
			s.OnLine(serviceID, text)
		}
	}
}

type line struct {
	id, text string
}

// AsyncSink decouples producers from a slow sink through a bounded queue.
// Lines arriving while the queue is full are dropped and counted.
type AsyncSink struct {
	next    LineSink
	mu      sync.RWMutex
	closed  bool
	ch      chan line
	dropped atomic.Uint64
	done    chan struct{}
}

// NewAsyncSink starts the forwarding goroutine. size <= 0 uses 1024.
func NewAsyncSink(next LineSink, size int) *AsyncSink {
	if size <= 0 {
		size = 1024
	}
	a := &AsyncSink{next: next, ch: make(chan line, size), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for l := range a.ch {
		a.next.OnLine(l.id, l.text)
	}
}

func (a *AsyncSink) OnLine(serviceID, text string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- line{serviceID, text}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Close flushes queued lines and stops the goroutine.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

// SlogSink writes service output through the orchestrator logger, at a
// level picked by Classify.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) OnLine(serviceID, text string) {
	s.Log.Log(context.Background(), Classify(text), text, "service", serviceID)
}

// Classify guesses the severity of a free-form output line.
func Classify(text string) slog.Level {
	l := strings.ToLower(text)
	switch {
	case containsAny(l, "traceback", "exception", "error", "critical", "fatal", "panic"):
		return slog.LevelError
	case containsAny(l, "warn"):
		return slog.LevelWarn
	case containsAny(l, "debug"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
