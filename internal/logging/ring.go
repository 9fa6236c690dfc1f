package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one record kept by a Ring.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring is a bounded in-memory sink. It keeps the most recent records at or
// above its minimum level, warning by default, and is safe for concurrent use.
type Ring struct {
	min slog.Level
	buf *ringBuf

	// prefix and attrs come from WithGroup / WithAttrs.
	prefix string
	attrs  []slog.Attr
}

type ringBuf struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	n       int
}

// NewRing returns a Ring holding at most size records at or above threshold.
func NewRing(size int, threshold slog.Level) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{min: threshold, buf: &ringBuf{entries: make([]Entry, size)}}
}

// NewWarnRing is NewRing at slog.LevelWarn.
func NewWarnRing(size int) *Ring { return NewRing(size, slog.LevelWarn) }

func (r *Ring) Enabled(_ context.Context, l slog.Level) bool { return l >= r.min }

func (r *Ring) Handle(_ context.Context, rec slog.Record) error {
	e := Entry{Time: rec.Time, Level: rec.Level.String(), Message: rec.Message}
	if len(r.attrs) > 0 || rec.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(r.attrs)+rec.NumAttrs())
		for _, a := range r.attrs {
			addAttr(e.Attrs, "", a)
		}
		rec.Attrs(func(a slog.Attr) bool {
			addAttr(e.Attrs, r.prefix, a)
			return true
		})
	}
	r.buf.push(e)
	return nil
}

func (r *Ring) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *r
	next.attrs = make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	next.attrs = append(next.attrs, r.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: r.prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (r *Ring) WithGroup(name string) slog.Handler {
	if name == "" {
		return r
	}
	next := *r
	next.prefix = r.prefix + name + "."
	return &next
}

// Entries returns the kept records, oldest first.
func (r *Ring) Entries() []Entry {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, b.n)
	for i := 0; i < b.n; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)])
	}
	return out
}

func (b *ringBuf) push(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n < len(b.entries) {
		b.entries[(b.head+b.n)%len(b.entries)] = e
		b.n++
		return
	}
	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, g := range v.Group() {
			addAttr(dst, prefix+a.Key+".", g)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[prefix+a.Key] = err.Error()
			return
		}
		dst[prefix+a.Key] = v.Any()
	default:
		dst[prefix+a.Key] = v.Any()
	}
}
