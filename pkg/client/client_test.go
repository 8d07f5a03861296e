package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestStartDecodesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/services/llm/start", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ServiceStatus{ID: "llm", Status: "running", PID: 42})
	})
	st, err := c.Start(context.Background(), "llm")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, 42, st.PID)
}

func TestAPIErrorCarriesKindAndServices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "fleet start failed", Kind: "HealthProbeTimeout", Services: []string{"llm"}})
	})
	_, err := c.StartAll(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "HealthProbeTimeout", apiErr.Kind)
	assert.Equal(t, []string{"llm"}, apiErr.Services)
	assert.Contains(t, err.Error(), "fleet start failed")
}

func TestNonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	err := c.StopAll(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestLogsHistoryAndPorts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/llm/logs":
			assert.Equal(t, "5", r.URL.Query().Get("n"))
			_ = json.NewEncoder(w).Encode(logsResponse{ID: "llm", Lines: []string{"x", "y"}})
		case "/services/llm/history":
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode([]Transition{{Service: "llm", To: "running"}})
		case "/ports/owners":
			assert.Equal(t, "8000,8001", r.URL.Query().Get("ports"))
			_ = json.NewEncoder(w).Encode([]PortOwner{{Port: 8000, PID: 7, Name: "python3"}})
		case "/ports/restart":
			var req portsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []int{8000}, req.Ports)
			_ = json.NewEncoder(w).Encode(portsResponse{Free: map[int]bool{8000: true}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	lines, err := c.Logs(ctx, "llm", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, lines)

	ts, err := c.History(ctx, "llm", 3)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "running", ts[0].To)

	owners, err := c.PortOwners(ctx, []int{8000, 8001})
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "python3", owners[0].Name)

	free, err := c.RestartPorts(ctx, []int{8000})
	require.NoError(t, err)
	assert.True(t, free[8000])
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	assert.True(t, c.IsReachable(context.Background()))

	dead := New(Config{BaseURL: "http://127.0.0.1:1", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.False(t, dead.IsReachable(context.Background()))
}
