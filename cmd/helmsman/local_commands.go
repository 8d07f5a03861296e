package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/loykin/helmsman"
	"github.com/loykin/helmsman/internal/env"
	"github.com/loykin/helmsman/internal/ports"
	"github.com/loykin/helmsman/internal/process"
	"github.com/loykin/helmsman/pkg/template"
)

// ClearPorts kills the owners of ports directly, for the case where a
// crashed run left them behind and no orchestrator is running.
func (c command) ClearPorts(ctx context.Context, f PortsClearFlags) error {
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := ports.New(ports.Options{
		Killer:  process.NewTreeKiller(ctx, f.Grace, log),
		Timeout: f.Timeout,
		Logger:  log,
	})
	own, err := r.FindOwners(ctx, f.Ports)
	if err != nil {
		return err
	}
	c.printOwnersLocal(ports.Describe(ctx, own))
	free := r.ClearPorts(ctx, f.Ports)
	c.printFree(free)
	for _, ok := range free {
		if !ok {
			return errors.New("some ports are still held")
		}
	}
	return nil
}

func (c command) printOwnersLocal(owners []ports.Owner) {
	if len(owners) == 0 {
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PORT\tPID\tNAME\tCOMMAND")
	for _, o := range owners {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", o.Port, o.PID, o.Name, o.Cmdline)
	}
	_ = w.Flush()
}

// Resolve prints the runtime chosen for each service, or why none fits.
func (c command) Resolve(ctx context.Context, f ResolveFlags) error {
	cfg, err := helmsman.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	ds := cfg.Services
	if len(f.IDs) > 0 {
		ds = ds[:0:0]
		for _, id := range f.IDs {
			d, ok := cfg.Service(id)
			if !ok {
				return fmt.Errorf("%w: %s", helmsman.ErrUnknownService, id)
			}
			ds = append(ds, d)
		}
	}

	r := env.NewResolver(env.ResolverOptions{})
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCONSTRAINT\tRUNTIME")
	var failed int
	for _, d := range ds {
		if d.Managed() || !d.NeedsRuntime() {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\n", d.ID)
			continue
		}
		rt, err := r.Resolve(ctx, d)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\t%s\t%v\n", d.ID, d.Constraint(), err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Constraint(), rt)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d service(s) without a usable runtime", failed)
	}
	return nil
}

// Init prints a starter service entry or appends it to a file.
func (c command) Init(f InitFlags) error {
	content, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), template.Params{
		ID:    f.ID,
		Port:  f.Port,
		Owner: f.Owner,
	})
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if f.Output == "" {
		_, err = c.out.Write(content)
		return err
	}
	fh, err := os.OpenFile(f.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Output, err)
	}
	if _, err := fh.Write(append([]byte("\n"), content...)); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to write %s: %w", f.Output, err)
	}
	if err := fh.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Service '%s' appended to %s\n", f.ID, f.Output)
	return nil
}
