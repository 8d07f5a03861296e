package logger

import "sync"

// DefaultBufferLines is the per-service line capacity.
const DefaultBufferLines = 500

// Ring keeps the most recent lines of one service; the oldest line is
// dropped when full.
type Ring struct {
	mu    sync.Mutex
	lines []string
	start int
	n     int
}

// NewRing allocates a ring of the given capacity (DefaultBufferLines when <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultBufferLines
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append adds a line.
func (r *Ring) Append(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := len(r.lines)
	if r.n < c {
		r.lines[(r.start+r.n)%c] = s
		r.n++
		return
	}
	r.lines[r.start] = s
	r.start = (r.start + 1) % c
}

// Tail returns up to n most recent lines, oldest first. n <= 0 returns all.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]string, n)
	c := len(r.lines)
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.start+r.n-n+i)%c]
	}
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.lines) }

// Reset empties the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.start, r.n = 0, 0
	r.mu.Unlock()
}
