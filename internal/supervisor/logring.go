package supervisor

import (
	"sync"
	"time"
)

// LogLine is one captured child output line.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"` // stdout or stderr
	Text   string    `json:"text"`
}

const defaultRingSize = 500

// LogRing is a bounded in-memory buffer of child log lines with fan-out to
// live followers. It feeds both `logs --tail` and the WebSocket history
// frame. A slow follower drops lines rather than stalling the log pump.
type LogRing struct {
	mu        sync.Mutex
	lines     []LogLine
	head      int
	full      bool
	followers map[chan LogLine]struct{}
}

// NewLogRing creates a ring holding the last size lines (default 500).
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = defaultRingSize
	}
	return &LogRing{
		lines:     make([]LogLine, size),
		followers: make(map[chan LogLine]struct{}),
	}
}

// Append records a line and pushes it to all followers.
func (r *LogRing) Append(stream, text string) {
	line := LogLine{Time: time.Now().UTC(), Stream: stream, Text: text}

	r.mu.Lock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.head == 0 {
		r.full = true
	}
	for ch := range r.followers {
		select {
		case ch <- line:
		default:
		}
	}
	r.mu.Unlock()
}

// Last returns up to n of the most recent lines, oldest first.
func (r *LogRing) Last(n int) []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.head
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]LogLine, 0, n)
	start := r.head - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Follow returns a channel receiving every future line. Release it with
// Unfollow.
func (r *LogRing) Follow() chan LogLine {
	ch := make(chan LogLine, 64)
	r.mu.Lock()
	r.followers[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unfollow removes and closes a follower channel.
func (r *LogRing) Unfollow(ch chan LogLine) {
	r.mu.Lock()
	if _, ok := r.followers[ch]; ok {
		delete(r.followers, ch)
		close(ch)
	}
	r.mu.Unlock()
}
