// Package health drives a service through its startup and running probe
// phases and reports every outcome tagged with the launch generation.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/helmsman/internal/detector"
	"github.com/loykin/helmsman/internal/metrics"
	"github.com/loykin/helmsman/internal/service"
)

// Defaults
const (
	DefaultStartupAttempts  = 60
	DefaultStartupInterval  = 500 * time.Millisecond
	DefaultPollInterval     = 2 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultFailureThreshold = 3
)

// Config tunes the probe schedule.
type Config struct {
	StartupAttempts  int           `mapstructure:"startup_attempts"`
	StartupInterval  time.Duration `mapstructure:"startup_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = DefaultStartupAttempts
	}
	if c.StartupInterval <= 0 {
		c.StartupInterval = DefaultStartupInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Result is one probe outcome. Status is what the service should show after
// it: STARTING while the startup phase runs, RUNNING or ERROR afterwards.
type Result struct {
	ID         string
	Generation uint64
	Status     service.Status
	OK         bool
	Err        error
	Failures   int
	At         time.Time
}

// Target is what the monitor watches.
type Target struct {
	ID         string
	Generation uint64
	Detector   detector.Detector
	// Exited is closed when the process dies; the monitor then stops
	// without reporting, exit handling belongs to the owner of the process.
	Exited <-chan struct{}
}

// Monitor runs probe loops.
type Monitor struct {
	cfg Config
	log *slog.Logger
}

// New returns a Monitor with defaults applied to cfg.
func New(cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{cfg: cfg.WithDefaults(), log: log}
}

// Config returns the effective schedule.
func (m *Monitor) Config() Config { return m.cfg }

// Watch blocks until ctx is done, the target exits or the service reaches
// ERROR. ERROR is final: the loop never revives a failed service.
func (m *Monitor) Watch(ctx context.Context, t Target, report func(Result)) {
	if !m.startup(ctx, t, report) {
		return
	}
	m.running(ctx, t, report)
}

func (m *Monitor) startup(ctx context.Context, t Target, report func(Result)) bool {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.StartupAttempts; attempt++ {
		if stopped(ctx, t) {
			return false
		}
		ok, err := m.probe(ctx, t)
		if ok {
			report(Result{ID: t.ID, Generation: t.Generation, Status: service.StatusRunning, OK: true, At: time.Now()})
			return true
		}
		if stopped(ctx, t) {
			return false
		}
		lastErr = err
		report(Result{ID: t.ID, Generation: t.Generation, Status: service.StatusStarting, Err: err, Failures: attempt, At: time.Now()})
		if attempt < m.cfg.StartupAttempts && !sleep(ctx, t, m.cfg.StartupInterval) {
			return false
		}
	}
	m.log.Warn("startup probes exhausted", "service", t.ID, "attempts", m.cfg.StartupAttempts, "err", lastErr)
	report(Result{
		ID:         t.ID,
		Generation: t.Generation,
		Status:     service.StatusError,
		Err:        service.NewError(t.ID, "health", service.ErrHealthProbeTimeout, lastErr),
		Failures:   m.cfg.StartupAttempts,
		At:         time.Now(),
	})
	return false
}

func (m *Monitor) running(ctx context.Context, t Target, report func(Result)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.PollInterval / 4
	b.MaxInterval = m.cfg.PollInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	failures := 0
	wait := m.cfg.PollInterval
	for {
		if !sleep(ctx, t, wait) {
			return
		}
		ok, err := m.probe(ctx, t)
		if stopped(ctx, t) {
			return
		}
		if ok {
			failures = 0
			b.Reset()
			wait = m.cfg.PollInterval
			report(Result{ID: t.ID, Generation: t.Generation, Status: service.StatusRunning, OK: true, At: time.Now()})
			continue
		}
		failures++
		if failures >= m.cfg.FailureThreshold {
			m.log.Warn("health check failed", "service", t.ID, "failures", failures, "err", err)
			report(Result{
				ID:         t.ID,
				Generation: t.Generation,
				Status:     service.StatusError,
				Err:        service.NewError(t.ID, "health", service.ErrHealthProbeTimeout, err),
				Failures:   failures,
				At:         time.Now(),
			})
			return
		}
		m.log.Debug("health probe failed", "service", t.ID, "failures", failures, "err", err)
		report(Result{ID: t.ID, Generation: t.Generation, Status: service.StatusRunning, Err: err, Failures: failures, At: time.Now()})
		wait = b.NextBackOff()
	}
}

func (m *Monitor) probe(ctx context.Context, t Target) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	ok, err := t.Detector.Alive(pctx)
	metrics.ObserveProbe(t.ID, ok, time.Since(start).Seconds())
	return ok, err
}

func stopped(ctx context.Context, t Target) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-t.Exited:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, t Target, d time.Duration) bool {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Exited:
		return false
	case <-tm.C:
		return true
	}
}
