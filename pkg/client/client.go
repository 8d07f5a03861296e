package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is where helmsman run serves its API by default.
const DefaultBaseURL = "http://127.0.0.1:8790"

// Client provides HTTP access to a running helmsman orchestrator.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request. Starting a fleet waits for health checks,
	// so the default is generous.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 2 * time.Minute,
	}
}

// APIError is a non-2xx answer of the API.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Services   []string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// New creates a new API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the orchestrator is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Orchestrator unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// StatusAll returns every service.
func (c *Client) StatusAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Status returns one service.
func (c *Client) Status(ctx context.Context, id string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Start starts a service and returns its status once it is RUNNING.
func (c *Client) Start(ctx context.Context, id string) (ServiceStatus, error) {
	c.logger.Debug("Starting service", "service", id)
	var out ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/start", nil, &out)
	return out, err
}

// Stop stops a service.
func (c *Client) Stop(ctx context.Context, id string) (ServiceStatus, error) {
	c.logger.Debug("Stopping service", "service", id)
	var out ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

// StartAll starts the fleet and returns every status afterwards.
func (c *Client) StartAll(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodPost, "/start-all", nil, &out)
	return out, err
}

// StopAll stops the fleet.
func (c *Client) StopAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop-all", nil, nil)
}

// Logs returns up to n buffered output lines of a service.
func (c *Client) Logs(ctx context.Context, id string, n int) ([]string, error) {
	var out logsResponse
	path := "/services/" + url.PathEscape(id) + "/logs"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Lines, err
}

// History returns the most recent transitions of a service, newest first.
func (c *Client) History(ctx context.Context, id string, limit int) ([]Transition, error) {
	var out []Transition
	path := "/services/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// PortOwners lists the processes holding ports.
func (c *Client) PortOwners(ctx context.Context, ports []int) ([]PortOwner, error) {
	var out []PortOwner
	err := c.do(ctx, http.MethodGet, "/ports/owners?ports="+url.QueryEscape(joinPorts(ports)), nil, &out)
	return out, err
}

// RestartPorts evicts foreign owners of ports and restarts the services
// bound to them. The map reports per port whether it ended up free.
func (c *Client) RestartPorts(ctx context.Context, ports []int) (map[int]bool, error) {
	data, err := json.Marshal(portsRequest{Ports: ports})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var out portsResponse
	err = c.do(ctx, http.MethodPost, "/ports/restart", data, &out)
	return out.Free, err
}

func joinPorts(ports []int) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}

// do performs an HTTP request and decodes a 200 answer into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorResp.Error,
		Kind:       errorResp.Kind,
		Services:   errorResp.Services,
	}
}
