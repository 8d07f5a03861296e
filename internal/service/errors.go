package service

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every per-service failure wraps exactly one of them.
var (
	ErrRuntimeNotFound    = errors.New("runtime not found")
	ErrLaunch             = errors.New("launch failed")
	ErrPortConflict       = errors.New("port conflict")
	ErrHealthProbeTimeout = errors.New("health probe timeout")
	ErrProcessDied        = errors.New("process died unexpectedly")
	ErrUnknownService     = errors.New("unknown service")
)

// Error describes a failure of one operation on one service.
type Error struct {
	ID   string
	Op   string // resolve, reconcile, launch, probe, watch, stop
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("service ")
	b.WriteString(e.ID)
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil && !errors.Is(e.Kind, e.Err) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewError builds an *Error.
func NewError(id, op string, kind, err error) *Error {
	return &Error{ID: id, Op: op, Kind: kind, Err: err}
}

// KindName returns a short identifier for the kind wrapped by err, or "" when
// err carries none of the known kinds.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRuntimeNotFound):
		return "RuntimeNotFound"
	case errors.Is(err, ErrLaunch):
		return "LaunchError"
	case errors.Is(err, ErrPortConflict):
		return "PortConflict"
	case errors.Is(err, ErrHealthProbeTimeout):
		return "HealthProbeTimeout"
	case errors.Is(err, ErrProcessDied):
		return "ProcessDiedUnexpectedly"
	case errors.Is(err, ErrUnknownService):
		return "UnknownService"
	default:
		return ""
	}
}

// FleetError is returned by fleet startup when one or more fatal services failed.
type FleetError struct {
	Failed []*Error
}

func (e *FleetError) Error() string {
	if len(e.Failed) == 1 {
		return "fleet start failed: " + e.Failed[0].Error()
	}
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("fleet start failed (%d services): %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *FleetError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f)
	}
	return out
}

// Services lists the ids of the failed services.
func (e *FleetError) Services() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.ID)
	}
	return out
}
