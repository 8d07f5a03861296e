package process

import (
	"bufio"
	"io"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MaxLineBytes caps a single captured output line; the remainder is discarded.
const MaxLineBytes = 64 * 1024

// Stream names passed to LineFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// LineFunc receives one decoded output line. It must not block.
type LineFunc func(stream, line string)

// drain reads r until EOF, decoding it as UTF-8 with replacement of invalid
// sequences, and hands each line to fn. Raw decoded lines are also written to
// tee when set.
func drain(r io.ReadCloser, stream string, fn LineFunc, tee io.Writer, teeMu *sync.Mutex) {
	defer func() { _ = r.Close() }()
	br := bufio.NewReaderSize(transform.NewReader(r, unicode.UTF8.NewDecoder()), 4096)
	var buf []byte
	emit := func() {
		line := string(buf)
		buf = buf[:0]
		if tee != nil {
			teeMu.Lock()
			_, _ = io.WriteString(tee, line+"\n")
			teeMu.Unlock()
		}
		if fn != nil {
			fn(stream, line)
		}
	}
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && len(buf) < MaxLineBytes {
			room := MaxLineBytes - len(buf)
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			buf = append(buf, chunk...)
		}
		if err != nil {
			// EOF or a read error on a closed pipe both end the stream
			if len(buf) > 0 {
				emit()
			}
			return
		}
		if !isPrefix {
			emit()
		}
	}
}
