package client

import "time"

// ServiceStatus is the API view of one service.
type ServiceStatus struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
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

// Transition is one recorded status change.
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

// PortOwner is a process holding a port.
type PortOwner struct {
	Port      int       `json:"port"`
	PID       int32     `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error    string       `json:"error"`
	Kind     string       `json:"kind,omitempty"`
	Services []string     `json:"services,omitempty"`
	Free     map[int]bool `json:"free,omitempty"`
}

type logsResponse struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

type portsRequest struct {
	Ports []int `json:"ports"`
}

type portsResponse struct {
	Free map[int]bool `json:"free"`
}
