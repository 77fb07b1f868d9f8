package runner

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LogRingSize is the number of recent log lines a runner keeps in memory
const LogRingSize = 500

// LogRing is a bounded buffer of formatted log lines with live subscribers
type LogRing struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
	subs  map[chan string]struct{}
}

// NewLogRing returns a ring holding at most size lines
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = LogRingSize
	}
	return &LogRing{size: size, subs: make(map[chan string]struct{})}
}

// Write appends every line of p. It implements io.Writer so a slog handler can write into it.
func (r *LogRing) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	if text == "" {
		return len(p), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(text, "\n") {
		r.add(line)
		for ch := range r.subs {
			select {
			case ch <- line:
			default: // slow subscriber drops lines
			}
		}
	}
	return len(p), nil
}

func (r *LogRing) add(line string) {
	if len(r.lines) < r.size {
		r.lines = append(r.lines, line)
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.size
}

// Lines returns the last n lines, oldest first. n <= 0 returns everything.
func (r *LogRing) Lines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.lines)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, r.lines[(r.start+i)%total])
	}
	return out
}

// Subscribe returns a channel receiving every line written from now on and a function
// that ends the subscription
func (r *LogRing) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// teeHandler hands every record to all of its handlers
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// teeLogger returns a logger writing to base and, as text, into ring
func teeLogger(base *slog.Logger, ring *LogRing) *slog.Logger {
	ringHandler := slog.NewTextHandler(ring, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(teeHandler{base.Handler(), ringHandler})
}
