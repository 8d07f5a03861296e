// Package store persists service status transitions and the PIDs of
// running services so a later run can find leftovers.
package store

import (
	"context"
	"time"
)

// Transition is one status change of a service.
type Transition struct {
	ID         int64     `json:"id"`
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Generation uint64    `json:"generation"`
	PID        int       `json:"pid,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// PIDRecord is the last process launched for a service. ProcStart is the
// OS start time in unix seconds and guards against PID reuse.
type PIDRecord struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	ProcStart int64     `json:"proc_start"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence interface for history and live PIDs.
type Store interface {
	EnsureSchema(ctx context.Context) error
	AppendTransition(ctx context.Context, t Transition) error
	History(ctx context.Context, service string, limit int) ([]Transition, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	SavePID(ctx context.Context, rec PIDRecord) error
	DeletePID(ctx context.Context, service string) error
	PIDs(ctx context.Context) ([]PIDRecord, error)
	Close() error
}
