// Package detector holds the liveness probes used by the health monitor.
package detector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loykin/helmsman/internal/service"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Detector is a strategy that determines whether a service answers.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the service is detected as healthy. The error
	// explains a false result.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ForService picks an HTTP probe when the descriptor names a health path
// and a TCP connect probe otherwise.
func ForService(d service.Descriptor, host string, timeout time.Duration) Detector {
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(d.Port))
	if d.HealthPath != "" {
		return NewHTTPDetector("http://"+addr+normPath(d.HealthPath), timeout)
	}
	return TCPDetector{Addr: addr, Timeout: timeout}
}

func normPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/" + p
	}
	return p
}

// HTTPDetector reports alive on any 2xx answer to a GET.
type HTTPDetector struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPDetector returns a detector with its own client.
func NewHTTPDetector(url string, timeout time.Duration) HTTPDetector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return HTTPDetector{URL: url, Timeout: timeout, Client: &http.Client{Timeout: timeout}}
}

func (d HTTPDetector) Alive(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(d.Timeout))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, err
	}
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("health %s: status %d", d.URL, resp.StatusCode)
	}
	return true, nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }

// TCPDetector reports alive when a TCP connection can be opened.
type TCPDetector struct {
	Addr    string
	Timeout time.Duration
}

func (d TCPDetector) Alive(ctx context.Context) (bool, error) {
	dl := net.Dialer{Timeout: timeoutOr(d.Timeout)}
	conn, err := dl.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

func (d TCPDetector) Describe() string { return "tcp:" + d.Addr }

func timeoutOr(t time.Duration) time.Duration {
	if t <= 0 {
		return DefaultTimeout
	}
	return t
}
