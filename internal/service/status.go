package service

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a service as seen by the orchestrator.
type Status int32

const (
	StatusUnknown Status = iota
	StatusStopped
	StatusStarting
	StatusRunning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String. Unrecognised input maps to StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stopped":
		return StatusStopped
	case "starting":
		return StatusStarting
	case "running", "healthy", "ok":
		return StatusRunning
	case "error", "failed", "unhealthy":
		return StatusError
	default:
		return StatusUnknown
	}
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// Snapshot is a point-in-time copy of a service's runtime state.
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Port        int       `json:"port"`
	Status      Status    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	Generation  uint64    `json:"generation"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
	LastCheckOK bool      `json:"last_check_ok"`
	Failures    int       `json:"consecutive_failures"`
	Restarts    int       `json:"restarts"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Stopping    bool      `json:"stopping,omitempty"`
	ManagedBy   string    `json:"managed_by,omitempty"`
	Core        bool      `json:"core"`
	Optional    bool      `json:"optional"`
}
