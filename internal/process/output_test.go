package process

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(t *testing.T, in []byte, tee io.Writer) []string {
	t.Helper()
	var lines []string
	var mu sync.Mutex
	drain(io.NopCloser(bytes.NewReader(in)), Stdout, func(stream, line string) {
		require.Equal(t, Stdout, stream)
		lines = append(lines, line)
	}, tee, &mu)
	return lines
}

func TestDrain_ReplacesInvalidUTF8(t *testing.T) {
	lines := drainAll(t, []byte("ok\nbad \xff\xfe byte\r\nlast"), nil)
	require.Len(t, lines, 3)
	assert.Equal(t, "ok", lines[0])
	assert.Equal(t, "bad �� byte", lines[1])
	assert.Equal(t, "last", lines[2])
}

func TestDrain_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", MaxLineBytes+100)
	lines := drainAll(t, []byte(long+"\nnext\n"), nil)
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], MaxLineBytes)
	assert.Equal(t, "next", lines[1])
}

func TestDrain_Tee(t *testing.T) {
	var buf bytes.Buffer
	drainAll(t, []byte("a\nb\n"), &buf)
	assert.Equal(t, "a\nb\n", buf.String())
}
