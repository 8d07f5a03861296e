package detector

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/helmsman/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func TestHTTPDetector(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	d := ForService(service.Descriptor{Port: serverPort(t, srv), HealthPath: "health"}, "", time.Second)
	require.IsType(t, HTTPDetector{}, d)
	assert.Contains(t, d.Describe(), "/health")

	ok, err := d.Alive(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	code.Store(http.StatusServiceUnavailable)
	ok, err = d.Alive(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "503")
}

func TestHTTPDetector_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	d := NewHTTPDetector(srv.URL, 100*time.Millisecond)
	start := time.Now()
	ok, err := d.Alive(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTCPDetector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	d := ForService(service.Descriptor{Port: port}, "127.0.0.1", time.Second)
	require.IsType(t, TCPDetector{}, d)
	ok, err := d.Alive(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	_ = ln.Close()
	ok, err = d.Alive(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, "tcp:127.0.0.1:"+strconv.Itoa(port), d.Describe())
}

func TestFetchSubStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"tts":"running","asr":{"status":"error"},"llm":"warming","vad":true}`))
	}))
	defer srv.Close()

	owner := service.Descriptor{Port: serverPort(t, srv), SubStatusPath: "/services/status"}
	got, err := FetchSubStatus(context.Background(), srv.Client(), SubStatusURL(owner, ""), time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]service.Status{
		"tts": service.StatusRunning,
		"asr": service.StatusError,
		"llm": service.StatusUnknown,
		"vad": service.StatusRunning,
	}, got)

	owner.SubStatusPath = "/missing"
	_, err = FetchSubStatus(context.Background(), nil, SubStatusURL(owner, ""), time.Second)
	assert.ErrorContains(t, err, "404")
}

func TestFetchSubStatus_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()
	_, err := FetchSubStatus(context.Background(), nil, srv.URL, time.Second)
	assert.Error(t, err)
}
