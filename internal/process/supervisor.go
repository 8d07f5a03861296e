package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/helmsman/internal/service"
)

// DefaultStopTimeout bounds the graceful phase of Terminate.
const DefaultStopTimeout = 5 * time.Second

// Options configures a Supervisor.
type Options struct {
	Group       *Group
	Killer      TreeKiller
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// LaunchOptions carries the per-launch environment and output plumbing.
type LaunchOptions struct {
	// Env is the complete child environment; nil inherits the orchestrator's.
	Env []string
	// OnLine receives every decoded stdout/stderr line.
	OnLine LineFunc
	// Output, when set, receives a copy of every line (e.g. a rotating file).
	Output io.Writer
}

// Supervisor launches and terminates managed processes.
type Supervisor struct {
	group       *Group
	killer      TreeKiller
	stopTimeout time.Duration
	log         *slog.Logger
}

// NewSupervisor builds a Supervisor. A missing Group or Killer is created.
func NewSupervisor(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	g := opts.Group
	if g == nil {
		g = NewGroup(log)
	}
	k := opts.Killer
	if k == nil {
		k = NewTreeKiller(context.Background(), DefaultKillGrace, log)
	}
	st := opts.StopTimeout
	if st <= 0 {
		st = DefaultStopTimeout
	}
	return &Supervisor{group: g, killer: k, stopTimeout: st, log: log}
}

// Group returns the process-wide group every launched child is assigned to.
func (s *Supervisor) Group() *Group { return s.group }

// Killer returns the tree killer in use.
func (s *Supervisor) Killer() TreeKiller { return s.killer }

// Launch starts argv for d in d.Dir, detached from the orchestrator's
// session, and assigns it to the group. Failures wrap service.ErrLaunch.
func (s *Supervisor) Launch(ctx context.Context, d service.Descriptor, argv []string, opts LaunchOptions) (*Handle, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, errors.New("empty command"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.group.Closed() {
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, ErrGroupClosed)
	}

	// #nosec G204 -- argv comes from the operator's service descriptors
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = opts.Env
	configureSysProcAttr(cmd)

	// os.Pipe instead of StdoutPipe: Wait must not block on grandchildren
	// that inherited the write ends.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, service.NewError(d.ID, "launch", service.ErrLaunch, err)
	}
	_ = outW.Close()
	_ = errW.Close()

	pid := cmd.Process.Pid
	h := &Handle{
		pid:       pid,
		startedAt: time.Now(),
		procStart: getProcStartUnix(pid),
		group:     s.group,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	if err := s.group.Assign(pid); err != nil {
		if errors.Is(err, ErrGroupClosed) {
			// teardown raced the launch
			_ = killGroup(pid)
			go h.wait()
			_ = outR.Close()
			_ = errR.Close()
			return nil, service.NewError(d.ID, "launch", service.ErrLaunch, err)
		}
		s.log.Warn("process group assignment failed", "service", d.ID, "pid", pid, "err", err)
	}

	var teeMu sync.Mutex
	h.output.Add(2)
	go func() { defer h.output.Done(); drain(outR, Stdout, opts.OnLine, opts.Output, &teeMu) }()
	go func() { defer h.output.Done(); drain(errR, Stderr, opts.OnLine, opts.Output, &teeMu) }()
	go h.wait()

	s.log.Info("process launched", "service", d.ID, "pid", pid, "cmd", argv[0])
	return h, nil
}

// Terminate stops the process behind h and its descendants. Graceful asks
// the process group to exit and escalates to a tree kill after the stop
// timeout; non-graceful kills the tree at once. Terminating an exited
// handle only sweeps what is left of its process group.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, graceful bool) error {
	if h == nil {
		return nil
	}
	if h.Exited() {
		sweepGroup(h.pid)
		return nil
	}
	if graceful {
		if err := requestStop(h.pid); err != nil {
			s.log.Debug("graceful stop request failed", "pid", h.pid, "err", err)
		}
		t := time.NewTimer(s.stopTimeout)
		defer t.Stop()
		select {
		case <-h.Done():
			sweepGroup(h.pid)
			return nil
		case <-t.C:
			s.log.Info("graceful stop timed out, killing tree", "pid", h.pid)
		case <-ctx.Done():
		}
	}
	if h.sameProcess() {
		if err := s.killer.KillTree(ctx, h.pid); err != nil {
			s.log.Warn("kill tree failed", "pid", h.pid, "err", err)
		}
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("terminate %d: process did not exit", h.pid)
	}
}

// KillTree kills pid and its descendants with the configured killer.
func (s *Supervisor) KillTree(ctx context.Context, pid int) error {
	return s.killer.KillTree(ctx, pid)
}
