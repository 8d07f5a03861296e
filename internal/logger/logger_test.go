package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileConfig_Writer(t *testing.T) {
	dir := t.TempDir()
	w := FileConfig{Dir: dir}.Writer("gateway")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "gateway.log")); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if w := (FileConfig{}).Writer("gateway"); w != nil {
		t.Fatalf("expected nil writer without Dir")
	}
}

func TestFileConfig_Defaults(t *testing.T) {
	w := FileConfig{Dir: t.TempDir()}.Writer("x")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	w = FileConfig{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.Writer("x")
	l = w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 2 || !l.Compress {
		t.Fatalf("overrides not applied: %+v", l)
	}
}

func TestNew_Formats(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(Options{Level: "warn", Format: "json", Output: &buf})
	if closer != nil {
		t.Fatalf("unexpected closer without file")
	}
	log.Info("hidden")
	log.Warn("shown", "service", "tts")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"service":"tts"`) {
		t.Fatalf("unexpected json output: %q", out)
	}

	buf.Reset()
	log, _ = New(Options{Format: "color", Output: &buf})
	log.With("service", "llm").Error("boom")
	out = buf.String()
	if !strings.HasPrefix(out, "\033[31mERROR\033[0m  msg=boom") || !strings.Contains(out, "service=llm") {
		t.Fatalf("unexpected color output: %q", out)
	}
	if strings.Contains(out, `\x1b`) || strings.Contains(out, "level=") {
		t.Fatalf("level should be a raw colored prefix: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be omitted: %q", out)
	}
}

func TestNew_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "helmsman.log")
	log, closer := New(Options{File: path, Output: &buf})
	if closer == nil {
		t.Fatalf("expected closer for file output")
	}
	log.Info("to both")
	_ = closer.Close()
	b, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(b), "to both") {
		t.Fatalf("file not written: %v %q", err, b)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Fatalf("stream not written")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]slog.Level{
		"Traceback (most recent call last):": slog.LevelError,
		"RuntimeError: CUDA out of memory":   slog.LevelError,
		"UserWarning: deprecated":            slog.LevelWarn,
		"DEBUG loading weights":              slog.LevelDebug,
		"Uvicorn running on :8000":           slog.LevelInfo,
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Errorf("Classify(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	if r.Cap() != 3 || r.Len() != 0 {
		t.Fatalf("bad initial ring")
	}
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprint(i))
	}
	if got := strings.Join(r.Tail(0), ","); got != "3,4,5" {
		t.Fatalf("Tail(0) = %s", got)
	}
	if got := strings.Join(r.Tail(2), ","); got != "4,5" {
		t.Fatalf("Tail(2) = %s", got)
	}
	if got := len(r.Tail(10)); got != 3 {
		t.Fatalf("Tail(10) len = %d", got)
	}
	r.Reset()
	if r.Len() != 0 || len(r.Tail(0)) != 0 {
		t.Fatalf("reset failed")
	}
	if NewRing(0).Cap() != DefaultBufferLines {
		t.Fatalf("default capacity not applied")
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (b *blockingSink) OnLine(id, text string) {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, id+":"+text)
	b.mu.Unlock()
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	b := &blockingSink{release: make(chan struct{})}
	a := NewAsyncSink(b, 2)

	start := time.Now()
	for i := 0; i < 10; i++ {
		a.OnLine("svc", fmt.Sprint(i))
	}
	if time.Since(start) > time.Second {
		t.Fatalf("OnLine blocked")
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected drops with a full queue")
	}
	close(b.release)
	a.Close()
	// at most queue size + the one in flight
	if n := len(b.got); n == 0 || n > 3 {
		t.Fatalf("unexpected delivered count %d", n)
	}
	a.OnLine("svc", "late")
	a.Close()
}

func TestMultiSinkAndSlogSink(t *testing.T) {
	var buf bytes.Buffer
	var got []string
	m := MultiSink{
		SinkFunc(func(id, text string) { got = append(got, id+"="+text) }),
		nil,
		SlogSink{Log: slog.New(slog.NewTextHandler(&buf, nil))},
		Discard,
	}
	m.OnLine("asr", "ValueError: bad input")
	if len(got) != 1 || got[0] != "asr=ValueError: bad input" {
		t.Fatalf("func sink got %v", got)
	}
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "service=asr") {
		t.Fatalf("slog sink output %q", buf.String())
	}
}
