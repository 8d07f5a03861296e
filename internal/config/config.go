package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/helmsman/internal/env"
	"github.com/loykin/helmsman/internal/health"
	"github.com/loykin/helmsman/internal/logger"
	"github.com/loykin/helmsman/internal/service"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides of orchestrator settings, for
// example HELMSMAN_HEALTH_POLL_INTERVAL=5s.
const EnvPrefix = "HELMSMAN"

// FileConfig represents the top-level TOML structure.
//
//	api_addr = "127.0.0.1:8790"
//	history_db = "helmsman.db"
//	env = ["HF_HOME=/data/hf"]
//
//	[health]
//	poll_interval = "2s"
//
//	[[services]]
//	id = "llm"
//	port = 8000
//	dir = "services/llm"
//	command = ["{runtime}", "-m", "llm.server", "--port", "{port}"]
type FileConfig struct {
	APIAddr          string        `mapstructure:"api_addr"`
	HistoryDB        string        `mapstructure:"history_db"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	Host             string        `mapstructure:"host"`
	Env              []string      `mapstructure:"env"`
	EnvFiles         []string      `mapstructure:"env_files"`
	UseOSEnv         bool          `mapstructure:"use_os_env"`

	Health      HealthConfig      `mapstructure:"health"`
	Process     ProcessConfig     `mapstructure:"process"`
	Ports       PortsConfig       `mapstructure:"ports"`
	Log         logger.Options    `mapstructure:"log"`
	ServiceLogs logger.FileConfig `mapstructure:"service_logs"`

	Services []service.Descriptor `mapstructure:"services"`
}

type HealthConfig struct {
	StartupAttempts  int           `mapstructure:"startup_attempts"`
	StartupInterval  time.Duration `mapstructure:"startup_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// Monitor converts the section to a health.Config.
func (h HealthConfig) Monitor() health.Config {
	return health.Config{
		StartupAttempts:  h.StartupAttempts,
		StartupInterval:  h.StartupInterval,
		PollInterval:     h.PollInterval,
		ProbeTimeout:     h.ProbeTimeout,
		FailureThreshold: h.FailureThreshold,
	}
}

type ProcessConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
	BufferLines int           `mapstructure:"log_buffer_lines"`
}

type PortsConfig struct {
	ClearTimeout time.Duration `mapstructure:"clear_timeout"`
	ClearPasses  int           `mapstructure:"clear_passes"`
	Retries      int           `mapstructure:"conflict_retries"`
}

// Config is a loaded, validated configuration.
type Config struct {
	FileConfig
	// Path is the absolute path of the file, empty for Default().
	Path string
	// Vars holds the global environment after env_files and env are applied.
	Vars []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_addr", "127.0.0.1:8790")
	v.SetDefault("history_db", "")
	v.SetDefault("history_retention", 30*24*time.Hour)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("use_os_env", true)

	v.SetDefault("health.startup_attempts", health.DefaultStartupAttempts)
	v.SetDefault("health.startup_interval", health.DefaultStartupInterval)
	v.SetDefault("health.poll_interval", health.DefaultPollInterval)
	v.SetDefault("health.probe_timeout", health.DefaultProbeTimeout)
	v.SetDefault("health.failure_threshold", health.DefaultFailureThreshold)

	v.SetDefault("process.stop_timeout", 5*time.Second)
	v.SetDefault("process.kill_grace", 2*time.Second)
	v.SetDefault("process.log_buffer_lines", logger.DefaultBufferLines)

	v.SetDefault("ports.clear_timeout", 5*time.Second)
	v.SetDefault("ports.clear_passes", 5)
	v.SetDefault("ports.conflict_retries", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("log.rotation.max_size_mb", 20)
	v.SetDefault("log.rotation.max_backups", 5)
	v.SetDefault("log.rotation.max_age_days", 14)

	v.SetDefault("service_logs.dir", "")
	v.SetDefault("service_logs.max_size_mb", 10)
	v.SetDefault("service_logs.max_backups", 3)
	v.SetDefault("service_logs.max_age_days", 7)
	v.SetDefault("service_logs.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the settings used when no file is given: defaults plus
// HELMSMAN_ overrides, and no services.
func Default() (*Config, error) {
	v := newViper()
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return &Config{FileConfig: fc}, nil
}

// Load reads, normalises and validates a TOML config file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", abs, err)
	}
	cfg := &Config{FileConfig: fc, Path: abs}
	if err := cfg.normalise(filepath.Dir(abs)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalise resolves relative paths against base and applies env files.
func (c *Config) normalise(base string) error {
	for i := range c.Services {
		d := &c.Services[i]
		d.ID = strings.TrimSpace(d.ID)
		if d.Dir != "" && !filepath.IsAbs(d.Dir) {
			if d.External {
				return fmt.Errorf("service %q: external dir %q must be absolute", d.ID, d.Dir)
			}
			d.Dir = filepath.Join(base, d.Dir)
		}
		if d.RuntimeEnv != "" && d.NeedsRuntime() && !filepath.IsAbs(d.RuntimeEnv) {
			root := d.Dir
			if root == "" {
				root = base
			}
			d.RuntimeEnv = filepath.Join(root, d.RuntimeEnv)
		}
	}
	c.HistoryDB = relTo(base, c.HistoryDB)
	c.Log.File = relTo(base, c.Log.File)
	c.ServiceLogs.Dir = relTo(base, c.ServiceLogs.Dir)

	vars := map[string]string{}
	var order []string
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(relTo(base, p))
		if err != nil {
			return fmt.Errorf("env file: %w", err)
		}
		for _, kv := range pairs {
			k, val, _ := strings.Cut(kv, "=")
			set(k, val)
		}
	}
	for _, kv := range c.Env {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
		set(strings.TrimSpace(k), val)
	}
	c.Vars = c.Vars[:0]
	for _, k := range order {
		c.Vars = append(c.Vars, k+"="+vars[k])
	}
	return nil
}

func relTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks settings and the service table.
func (c *Config) Validate() error {
	if c.Health.StartupAttempts < 0 || c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health: attempts and threshold cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"health.startup_interval": c.Health.StartupInterval,
		"health.poll_interval":    c.Health.PollInterval,
		"health.probe_timeout":    c.Health.ProbeTimeout,
		"process.stop_timeout":    c.Process.StopTimeout,
		"process.kill_grace":      c.Process.KillGrace,
		"ports.clear_timeout":     c.Ports.ClearTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	for _, d := range c.Services {
		if d.External && d.Dir != "" && !filepath.IsAbs(d.Dir) {
			return fmt.Errorf("service %q: external dir %q must be absolute", d.ID, d.Dir)
		}
	}
	return service.ValidateSet(c.Services)
}

// Environment builds the env composer for child processes.
func (c *Config) Environment() *env.Env {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e = e.WithBase(nil)
	}
	for _, kv := range c.Vars {
		k, v, _ := strings.Cut(kv, "=")
		e = e.WithSet(k, v)
	}
	return e
}

// Service returns the descriptor with the given id.
func (c *Config) Service(id string) (service.Descriptor, bool) {
	for _, d := range c.Services {
		if d.ID == id {
			return d, true
		}
	}
	return service.Descriptor{}, false
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order.
func LoadEnvFile(path string) ([]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
