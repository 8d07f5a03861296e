package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	ts   []Transition
	pids map[string]PIDRecord
	gate chan struct{}
	fail bool
}

func newMemStore() *memStore { return &memStore{pids: map[string]PIDRecord{}} }

func (m *memStore) EnsureSchema(context.Context) error { return nil }

func (m *memStore) AppendTransition(_ context.Context, t Transition) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.ts = append(m.ts, t)
	return nil
}

func (m *memStore) History(context.Context, string, int) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.ts...), nil
}

func (m *memStore) PurgeOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) SavePID(_ context.Context, rec PIDRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pids[rec.Service] = rec
	return nil
}

func (m *memStore) DeletePID(_ context.Context, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pids, service)
	return nil
}

func (m *memStore) PIDs(context.Context) ([]PIDRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PIDRecord, 0, len(m.pids))
	for _, r := range m.pids {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func TestRecorder_WritesInOrderAndDrainsOnClose(t *testing.T) {
	st := newMemStore()
	r := NewRecorder(st, 16, nil)
	r.Transition(Transition{Service: "llm", From: "stopped", To: "starting"})
	r.Launched(PIDRecord{Service: "llm", PID: 42, ProcStart: 100})
	r.Transition(Transition{Service: "llm", From: "starting", To: "running", PID: 42})
	r.Launched(PIDRecord{Service: "tts", PID: 43, ProcStart: 101})
	r.Exited("tts")
	r.Close()

	ts, _ := st.History(context.Background(), "llm", 10)
	if len(ts) != 2 || ts[0].To != "starting" || ts[1].To != "running" {
		t.Fatalf("unexpected transitions: %+v", ts)
	}
	if ts[0].At.IsZero() {
		t.Fatalf("timestamp not filled")
	}
	pids, _ := st.PIDs(context.Background())
	if len(pids) != 1 || pids[0].Service != "llm" || pids[0].UpdatedAt.IsZero() {
		t.Fatalf("unexpected pids: %+v", pids)
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped %d writes", r.Dropped())
	}
}

func TestRecorder_DropsWhenFullOrClosed(t *testing.T) {
	st := newMemStore()
	st.gate = make(chan struct{})
	r := NewRecorder(st, 1, nil)

	// The first write blocks the writer, the second fills the queue.
	r.Transition(Transition{Service: "a"})
	deadline := time.Now().Add(time.Second)
	for len(r.ch) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Transition(Transition{Service: "b"})
	r.Transition(Transition{Service: "c"})
	if r.Dropped() != 1 {
		t.Fatalf("expected 1 dropped write, got %d", r.Dropped())
	}
	close(st.gate)
	r.Close()

	r.Exited("a")
	if r.Dropped() != 2 {
		t.Fatalf("write after close not dropped: %d", r.Dropped())
	}
	r.Close()
}

func TestRecorder_StoreErrorsDoNotStopWriter(t *testing.T) {
	st := newMemStore()
	st.fail = true
	r := NewRecorder(st, 4, nil)
	r.Transition(Transition{Service: "a"})
	r.Launched(PIDRecord{Service: "a", PID: 1})
	r.Close()
	pids, _ := st.PIDs(context.Background())
	if len(pids) != 1 {
		t.Fatalf("writer stopped after a failed write: %+v", pids)
	}
}
