package ports

import (
	"context"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// SocketLister reads TCP sockets through gopsutil.
type SocketLister struct{}

func (SocketLister) Owners(ctx context.Context, ports []int) (Ownership, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool, len(ports))
	for _, p := range ports {
		want[p] = true
	}
	own := Ownership{}
	for _, c := range conns {
		port := int(c.Laddr.Port)
		if !want[port] || !ownerState(c.Status) {
			continue
		}
		own[port] = append(own[port], c.Pid)
	}
	return own, nil
}

func ownerState(s string) bool {
	switch s {
	case "LISTEN", "LISTENING", "ESTABLISHED":
		return true
	}
	return false
}
