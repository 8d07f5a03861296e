package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loykin/helmsman/internal/service"
)

// SubStatusURL returns the address of an owner's sub-status endpoint.
func SubStatusURL(owner service.Descriptor, host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(owner.Port)) + normPath(owner.SubStatusPath)
}

// FetchSubStatus reads a JSON object mapping managed service IDs to status
// strings. Unknown strings map to service.StatusUnknown.
func FetchSubStatus(ctx context.Context, client *http.Client, url string, timeout time.Duration) (map[string]service.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(timeout))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sub-status %s: status %d", url, resp.StatusCode)
	}
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("sub-status %s: %w", url, err)
	}
	out := make(map[string]service.Status, len(raw))
	for id, v := range raw {
		out[id] = statusOf(v)
	}
	return out, nil
}

// statusOf accepts either "running" or {"status": "running"}.
func statusOf(v any) service.Status {
	switch t := v.(type) {
	case string:
		return service.ParseStatus(t)
	case map[string]any:
		if s, ok := t["status"].(string); ok {
			return service.ParseStatus(s)
		}
	case bool:
		if t {
			return service.StatusRunning
		}
		return service.StatusError
	}
	return service.StatusUnknown
}
