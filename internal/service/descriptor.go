package service

import (
	"fmt"
	"strconv"
	"strings"
)

// RuntimeNone marks a service whose runtime is managed outside the orchestrator.
const RuntimeNone = "none"

// Descriptor is the static description of one manageable service.
// Descriptors are loaded once at startup and never mutated afterwards.
type Descriptor struct {
	ID                string   `json:"id" mapstructure:"id"`
	Name              string   `json:"name" mapstructure:"name"`
	Port              int      `json:"port" mapstructure:"port"`
	Dir               string   `json:"dir" mapstructure:"dir"`                               // working directory
	RuntimeEnv        string   `json:"runtime_env" mapstructure:"runtime_env"`               // venv path, or "none"
	HealthPath        string   `json:"health_path" mapstructure:"health_path"`               // empty: TCP connect probe
	Optional          bool     `json:"optional" mapstructure:"optional"`                     // failure does not block the fleet
	Core              bool     `json:"core" mapstructure:"core"`                             // failure is fatal to the fleet
	External          bool     `json:"external" mapstructure:"external"`                     // source lives outside the managed tree
	MaxMinor          int      `json:"max_minor" mapstructure:"max_minor"`                   // highest accepted 3.x minor
	PinnedMinor       int      `json:"pinned_minor" mapstructure:"pinned_minor"`             // exact 3.x minor, 0 = unpinned
	RuntimeConstraint string   `json:"runtime_constraint" mapstructure:"runtime_constraint"` // semver constraint, overrides minors
	ManagedBy         string   `json:"managed_by" mapstructure:"managed_by"`                 // owner service id
	SubStatusPath     string   `json:"sub_status_path" mapstructure:"sub_status_path"`
	Priority          int      `json:"priority" mapstructure:"priority"` // start wave, lower first
	Command           []string `json:"command" mapstructure:"command"`
	Env               []string `json:"env" mapstructure:"env"`
}

// DisplayName returns Name, falling back to ID.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// NeedsRuntime reports whether an interpreter must be resolved before launch.
func (d Descriptor) NeedsRuntime() bool {
	return !strings.EqualFold(strings.TrimSpace(d.RuntimeEnv), RuntimeNone)
}

// Managed reports whether the service is started indirectly by its owner.
func (d Descriptor) Managed() bool { return d.ManagedBy != "" }

// Fatal reports whether an ERROR of this service during fleet startup fails the fleet.
func (d Descriptor) Fatal() bool { return d.Core && !d.Optional }

// Constraint renders the runtime version constraint of the descriptor as a
// semver constraint string.
func (d Descriptor) Constraint() string {
	if c := strings.TrimSpace(d.RuntimeConstraint); c != "" {
		return c
	}
	if d.PinnedMinor > 0 {
		return fmt.Sprintf(">= 3.%d.0-0, < 3.%d.0-0", d.PinnedMinor, d.PinnedMinor+1)
	}
	if d.MaxMinor > 0 {
		return fmt.Sprintf(">= 3.0.0-0, < 3.%d.0-0", d.MaxMinor+1)
	}
	return ">= 3.0.0-0, < 4.0.0-0"
}

// Validate checks a single descriptor for internal consistency.
func (d Descriptor) Validate() error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return fmt.Errorf("service id is required")
	}
	if strings.ContainsAny(id, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("service %q: id contains invalid characters", id)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("service %q: invalid port %d", id, d.Port)
	}
	if d.Port == 0 && !d.Managed() {
		return fmt.Errorf("service %q: port is required", id)
	}
	if !d.Managed() && len(d.Command) == 0 {
		return fmt.Errorf("service %q: command is required", id)
	}
	if d.MaxMinor < 0 || d.PinnedMinor < 0 {
		return fmt.Errorf("service %q: runtime minor version cannot be negative", id)
	}
	if d.ManagedBy == id {
		return fmt.Errorf("service %q: cannot be managed by itself", id)
	}
	for i, kv := range d.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("service %q: env[%d] %q must be KEY=VALUE", id, i, kv)
		}
	}
	return nil
}

// ValidateSet checks a descriptor table as a whole: unique ids, known owners,
// and no port shared between two independently started services.
func ValidateSet(ds []Descriptor) error {
	ids := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := ids[d.ID]; dup {
			return fmt.Errorf("duplicate service id %q", d.ID)
		}
		ids[d.ID] = struct{}{}
	}
	ports := make(map[int]string, len(ds))
	for _, d := range ds {
		if d.ManagedBy != "" {
			if _, ok := ids[d.ManagedBy]; !ok {
				return fmt.Errorf("service %q: unknown owner %q", d.ID, d.ManagedBy)
			}
			continue
		}
		if other, dup := ports[d.Port]; dup {
			return fmt.Errorf("services %q and %q share port %d", other, d.ID, d.Port)
		}
		ports[d.Port] = d.ID
	}
	return nil
}

// Expand substitutes {runtime}, {port}, {dir} and {id} placeholders in the
// descriptor's argv template.
func (d Descriptor) Expand(runtime string) []string {
	r := strings.NewReplacer(
		"{runtime}", runtime,
		"{port}", strconv.Itoa(d.Port),
		"{dir}", d.Dir,
		"{id}", d.ID,
	)
	out := make([]string, 0, len(d.Command))
	for _, a := range d.Command {
		out = append(out, r.Replace(a))
	}
	return out
}
