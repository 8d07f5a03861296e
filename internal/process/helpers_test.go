package process

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

type lineRecorder struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{lines: map[string][]string{}}
}

func (r *lineRecorder) OnLine(stream, line string) {
	r.mu.Lock()
	r.lines[stream] = append(r.lines[stream], line)
	r.mu.Unlock()
}

func (r *lineRecorder) get(stream string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines[stream]...)
}

func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		require.FailNow(t, "process did not exit in time", "pid %d", h.PID())
	}
}
