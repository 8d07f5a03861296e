package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/helmsman/pkg/client"
)

// command carries the output stream so handlers are testable without cobra.
type command struct {
	out io.Writer
}

func (c command) client(r RemoteFlags) *client.Client {
	return client.New(client.Config{BaseURL: r.APIUrl, Timeout: r.APITimeout})
}

// reachable returns a client for a running orchestrator or a hint on how to
// start one.
func (c command) reachable(ctx context.Context, r RemoteFlags) (*client.Client, error) {
	api := c.client(r)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if !api.IsReachable(pctx) {
		return nil, fmt.Errorf("orchestrator not reachable at %s - start it with 'helmsman run'", r.APIUrl)
	}
	return api, nil
}

// Status prints one or all services.
func (c command) Status(ctx context.Context, r RemoteFlags, f StatusFlags) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	var sts []client.ServiceStatus
	if f.ID != "" {
		st, err := api.Status(ctx, f.ID)
		if err != nil {
			return err
		}
		sts = []client.ServiceStatus{st}
	} else if sts, err = api.StatusAll(ctx); err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, sts)
		return nil
	}
	c.printTable(sts)
	return nil
}

func (c command) printTable(sts []client.ServiceStatus) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPORT\tSTATUS\tPID\tRESTARTS\tERROR")
	for _, st := range sts {
		status := st.Status
		if st.Stopping {
			status += " (stopping)"
		}
		if st.ManagedBy != "" {
			status += " via " + st.ManagedBy
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n", st.ID, st.Port, status, pid, st.Restarts, st.LastError)
	}
	_ = w.Flush()
}

func (c command) Start(ctx context.Context, r RemoteFlags, id string) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	st, err := api.Start(ctx, id)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Stop(ctx context.Context, r RemoteFlags, id string) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	st, err := api.Stop(ctx, id)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// StartAll starts the fleet and prints the resulting table. A fleet failure
// names the fatal services.
func (c command) StartAll(ctx context.Context, r RemoteFlags) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	sts, err := api.StartAll(ctx)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && len(apiErr.Services) > 0 {
			return fmt.Errorf("fleet start failed (%s): %w", strings.Join(apiErr.Services, ", "), err)
		}
		return err
	}
	c.printTable(sts)
	return nil
}

func (c command) StopAll(ctx context.Context, r RemoteFlags) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	if err := api.StopAll(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "fleet stopped")
	return nil
}

func (c command) Logs(ctx context.Context, r RemoteFlags, f LogsFlags) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	lines, err := api.Logs(ctx, f.ID, f.Lines)
	if err != nil {
		return err
	}
	for _, ln := range lines {
		_, _ = fmt.Fprintln(c.out, ln)
	}
	return nil
}

func (c command) History(ctx context.Context, r RemoteFlags, f HistoryFlags) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	ts, err := api.History(ctx, f.ID, f.Limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tFROM\tTO\tGEN\tKIND\tERROR")
	for _, t := range ts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.At.Local().Format(time.DateTime), t.From, t.To, t.Generation, t.Kind, t.Error)
	}
	return w.Flush()
}

func (c command) PortOwners(ctx context.Context, r RemoteFlags, ps []int) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	owners, err := api.PortOwners(ctx, ps)
	if err != nil {
		return err
	}
	c.printOwners(owners)
	return nil
}

func (c command) printOwners(owners []client.PortOwner) {
	if len(owners) == 0 {
		_, _ = fmt.Fprintln(c.out, "no owners")
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PORT\tPID\tNAME\tCOMMAND")
	for _, o := range owners {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", o.Port, o.PID, o.Name, o.Cmdline)
	}
	_ = w.Flush()
}

func (c command) RestartPorts(ctx context.Context, r RemoteFlags, ps []int) error {
	api, err := c.reachable(ctx, r)
	if err != nil {
		return err
	}
	free, err := api.RestartPorts(ctx, ps)
	c.printFree(free)
	return err
}

func (c command) printFree(free map[int]bool) {
	ps := make([]int, 0, len(free))
	for p := range free {
		ps = append(ps, p)
	}
	sort.Ints(ps)
	for _, p := range ps {
		state := "free"
		if !free[p] {
			state = "still held"
		}
		_, _ = fmt.Fprintf(c.out, "%d\t%s\n", p, state)
	}
}

// stderr is where handlers report non-fatal problems.
var stderr io.Writer = os.Stderr
