package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/helmsman/internal/store"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestTransitions(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	steps := []store.Transition{
		{Service: "llm", From: "stopped", To: "starting", Generation: 1, At: base},
		{Service: "llm", From: "starting", To: "running", Generation: 1, PID: 42, At: base.Add(time.Second)},
		{Service: "llm", From: "running", To: "error", Generation: 1, PID: 42, Kind: "ProcessDiedUnexpectedly", Error: "exit status 1", At: base.Add(2 * time.Second)},
		{Service: "tts", From: "stopped", To: "starting", Generation: 3, At: base},
	}
	for _, s := range steps {
		if err := db.AppendTransition(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := db.History(ctx, "llm", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[0].To != "error" || got[0].Kind != "ProcessDiedUnexpectedly" || got[0].PID != 42 {
		t.Fatalf("newest first expected, got %+v", got[0])
	}
	if got[2].Generation != 1 || got[2].ID == 0 {
		t.Fatalf("unexpected oldest row %+v", got[2])
	}

	got, _ = db.History(ctx, "llm", 1)
	if len(got) != 1 {
		t.Fatalf("limit not applied: %d", len(got))
	}

	n, err := db.PurgeOlderThan(ctx, base.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 purged rows, got %d", n)
	}
	got, _ = db.History(ctx, "tts", 10)
	if len(got) != 0 {
		t.Fatalf("tts history should be purged")
	}
}

func TestPIDs(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	if err := db.SavePID(ctx, store.PIDRecord{Service: "web", PID: 10, ProcStart: 1000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.SavePID(ctx, store.PIDRecord{Service: "web", PID: 11, ProcStart: 1001}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.SavePID(ctx, store.PIDRecord{Service: "asr", PID: 20, ProcStart: 2000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	recs, err := db.PIDs(ctx)
	if err != nil {
		t.Fatalf("pids: %v", err)
	}
	if len(recs) != 2 || recs[0].Service != "asr" || recs[1].PID != 11 || recs[1].ProcStart != 1001 {
		t.Fatalf("unexpected pids %+v", recs)
	}
	if err := db.DeletePID(ctx, "web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = db.PIDs(ctx)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after delete, got %d", len(recs))
	}
}

func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	_ = db.AppendTransition(ctx, store.Transition{Service: "x", From: "stopped", To: "starting"})
	_ = db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()
	got, err := db.History(ctx, "x", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("history after reopen: %v %d", err, len(got))
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRecorder(t *testing.T) {
	db := openTest(t)
	rec := store.NewRecorder(db, 16, nil)
	rec.Transition(store.Transition{Service: "llm", From: "stopped", To: "starting", Generation: 1})
	rec.Launched(store.PIDRecord{Service: "llm", PID: 5, ProcStart: 7})
	rec.Transition(store.Transition{Service: "llm", From: "starting", To: "running", Generation: 1})
	rec.Close()
	rec.Exited("llm") // after close: dropped
	rec.Close()

	ctx := context.Background()
	hist, err := db.History(ctx, "llm", 10)
	if err != nil || len(hist) != 2 {
		t.Fatalf("history: %v %d", err, len(hist))
	}
	pids, _ := db.PIDs(ctx)
	if len(pids) != 1 || pids[0].PID != 5 {
		t.Fatalf("pid record missing: %+v", pids)
	}
	if rec.Dropped() != 1 {
		t.Fatalf("expected one dropped write, got %d", rec.Dropped())
	}
}
