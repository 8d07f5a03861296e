// Package template generates starter [[services]] entries for a helmsman
// configuration file.
package template

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of service entry to generate
type TemplateType string

const (
	TypePython   TemplateType = "python"
	TypeModel    TemplateType = "model"
	TypeGateway  TemplateType = "gateway"
	TypeBinary   TemplateType = "binary"
	TypeFrontend TemplateType = "frontend"
	TypeWeb      TemplateType = "web"
	TypeManaged  TemplateType = "managed"
)

// ServiceTemplate is one [[services]] entry.
type ServiceTemplate struct {
	ID            string   `toml:"id"`
	Name          string   `toml:"name,omitempty"`
	Port          int      `toml:"port,omitempty"`
	Dir           string   `toml:"dir,omitempty"`
	RuntimeEnv    string   `toml:"runtime_env,omitempty"`
	HealthPath    string   `toml:"health_path,omitempty"`
	Core          bool     `toml:"core,omitempty"`
	Optional      bool     `toml:"optional,omitempty"`
	External      bool     `toml:"external,omitempty"`
	MaxMinor      int      `toml:"max_minor,omitempty"`
	ManagedBy     string   `toml:"managed_by,omitempty"`
	SubStatusPath string   `toml:"sub_status_path,omitempty"`
	Priority      int      `toml:"priority,omitempty"`
	Command       []string `toml:"command,omitempty"`
	Env           []string `toml:"env,omitempty"`
}

// Params are the caller-chosen parts of a template.
type Params struct {
	ID    string
	Port  int
	Owner string // required for TypeManaged
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a service entry based on the specified type.
func (g *Generator) Generate(templateType TemplateType, p Params) (*ServiceTemplate, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, fmt.Errorf("service id is required")
	}
	switch templateType {
	case TypePython, TypeModel:
		return g.python(p), nil
	case TypeGateway, TypeBinary:
		return g.binary(p), nil
	case TypeFrontend, TypeWeb:
		return g.frontend(p), nil
	case TypeManaged:
		if p.Owner == "" {
			return nil, fmt.Errorf("managed template requires an owner service")
		}
		return &ServiceTemplate{ID: p.ID, ManagedBy: p.Owner, Optional: true}, nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
}

// GenerateTOML renders the entry as a [[services]] table.
func (g *Generator) GenerateTOML(templateType TemplateType, p Params) ([]byte, error) {
	tpl, err := g.Generate(templateType, p)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(struct {
		Services []*ServiceTemplate `toml:"services"`
	}{[]*ServiceTemplate{tpl}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypePython),
		string(TypeGateway),
		string(TypeFrontend),
		string(TypeManaged),
	}
}

func portOr(p, def int) int {
	if p > 0 {
		return p
	}
	return def
}

func (g *Generator) python(p Params) *ServiceTemplate {
	return &ServiceTemplate{
		ID:         p.ID,
		Port:       portOr(p.Port, 8000),
		Dir:        "services/" + p.ID,
		RuntimeEnv: ".venv",
		HealthPath: "/health",
		MaxMinor:   12,
		Priority:   1,
		Command:    []string{"{runtime}", "-m", strings.ReplaceAll(p.ID, "-", "_"), "--port", "{port}"},
		Env:        []string{"LOG_LEVEL=info"},
	}
}

func (g *Generator) binary(p Params) *ServiceTemplate {
	return &ServiceTemplate{
		ID:         p.ID,
		Port:       portOr(p.Port, 7000),
		Dir:        "/opt/" + p.ID,
		RuntimeEnv: "none",
		HealthPath: "/health",
		Core:       true,
		External:   true,
		Command:    []string{"/opt/" + p.ID + "/bin/" + p.ID, "--listen", "127.0.0.1:{port}"},
	}
}

func (g *Generator) frontend(p Params) *ServiceTemplate {
	return &ServiceTemplate{
		ID:         p.ID,
		Port:       portOr(p.Port, 3000),
		Dir:        "frontend",
		RuntimeEnv: "none",
		Optional:   true,
		Priority:   2,
		Command:    []string{"npm", "run", "start", "--", "--port", "{port}"},
	}
}
