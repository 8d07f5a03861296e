package ports

import (
	"context"
	"sort"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// Owner describes a process holding a port, for diagnostics.
type Owner struct {
	Port      int       `json:"port"`
	PID       int32     `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Describe resolves process details for every owner. Processes that exit
// meanwhile keep only port and PID. A port held by an unattributed socket
// is listed once with PID 0.
func Describe(ctx context.Context, own Ownership) []Owner {
	var out []Owner
	for port, pids := range own {
		if len(pids) == 0 {
			out = append(out, Owner{Port: port, Name: "unknown"})
			continue
		}
		for _, pid := range pids {
			o := Owner{Port: port, PID: pid}
			if p, err := gproc.NewProcessWithContext(ctx, pid); err == nil {
				o.Name, _ = p.NameWithContext(ctx)
				o.Cmdline, _ = p.CmdlineWithContext(ctx)
				if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
					o.StartedAt = time.UnixMilli(ms)
				}
			}
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].PID < out[j].PID
	})
	return out
}
