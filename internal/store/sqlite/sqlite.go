package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/loykin/helmsman/internal/store"
	_ "modernc.org/sqlite"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem path; ":memory:" keeps everything in memory.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every pooled connection would get its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transitions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			generation INTEGER NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_service ON transitions(service, at);`,
		`CREATE TABLE IF NOT EXISTS service_pids(
			service TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			proc_start INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) AppendTransition(ctx context.Context, t store.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions(service, from_status, to_status, generation, pid, kind, error, at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		t.Service, t.From, t.To, int64(t.Generation), t.PID, t.Kind, t.Error, t.At.UTC())
	return err
}

func (s *DB) History(ctx context.Context, service string, limit int) ([]store.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service, from_status, to_status, generation, pid, kind, error, at
		FROM transitions
		WHERE service=?
		ORDER BY id DESC
		LIMIT ?;`, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Transition, 0)
	for rows.Next() {
		var t store.Transition
		var gen int64
		if err := rows.Scan(&t.ID, &t.Service, &t.From, &t.To, &gen, &t.PID, &t.Kind, &t.Error, &t.At); err != nil {
			return nil, err
		}
		t.Generation = uint64(gen)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) SavePID(ctx context.Context, rec store.PIDRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_pids(service, pid, proc_start, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			pid=excluded.pid,
			proc_start=excluded.proc_start,
			updated_at=excluded.updated_at;`,
		rec.Service, rec.PID, rec.ProcStart, rec.UpdatedAt.UTC())
	return err
}

func (s *DB) DeletePID(ctx context.Context, service string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM service_pids WHERE service=?;`, service)
	return err
}

func (s *DB) PIDs(ctx context.Context) ([]store.PIDRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, pid, proc_start, updated_at
		FROM service_pids
		ORDER BY service;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.PIDRecord, 0)
	for rows.Next() {
		var r store.PIDRecord
		if err := rows.Scan(&r.Service, &r.PID, &r.ProcStart, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
