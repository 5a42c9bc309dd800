/*
Package logbuf keeps the most recent log records in memory.

A Buffer is a fixed-size ring of entries fed by an slog.Handler. Readers
either take a snapshot with Recent or subscribe to new entries as they
arrive; the management log endpoints use both.
*/
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSize is the ring capacity used when New is given a non-positive size.
const DefaultSize = 1000

// subscriberQueue is the channel depth of each subscription.
const subscriberQueue = 256

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Subscription delivers entries at or above its level. Entries are dropped
// rather than queued when the receiver falls behind.
type Subscription struct {
	C <-chan Entry

	ch      chan Entry
	level   atomic.Int64
	dropped atomic.Int64
}

// SetLevel changes the minimum level delivered to the subscription.
func (s *Subscription) SetLevel(level slog.Level) {
	s.level.Store(int64(level))
}

// Level returns the minimum level delivered to the subscription.
func (s *Subscription) Level() slog.Level {
	return slog.Level(s.level.Load())
}

// Dropped returns the number of entries discarded because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Buffer is a ring of recent entries with subscriber fan-out.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	next int
	full bool
	subs map[*Subscription]struct{}
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		ring: make([]Entry, size),
		subs: make(map[*Subscription]struct{}),
	}
}

// Len returns the number of entries currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = e
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}

	for s := range b.subs {
		if e.Level < s.Level() {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Recent returns up to n of the newest entries at or above minLevel, oldest
// first. n <= 0 means all matching entries.
func (b *Buffer) Recent(n int, minLevel slog.Level) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recent(n, minLevel)
}

// Follow returns the same entries as Recent together with a subscription
// that starts exactly after them.
func (b *Buffer) Follow(n int, minLevel slog.Level) ([]Entry, *Subscription) {
	s := newSubscription(minLevel)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return b.recent(n, minLevel), s
}

func (b *Buffer) recent(n int, minLevel slog.Level) []Entry {
	var ordered []Entry
	if b.full {
		ordered = append(ordered, b.ring[b.next:]...)
	}
	ordered = append(ordered, b.ring[:b.next]...)

	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if e.Level >= minLevel {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe registers a subscription for entries at or above minLevel.
func (b *Buffer) Subscribe(minLevel slog.Level) *Subscription {
	s := newSubscription(minLevel)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func newSubscription(minLevel slog.Level) *Subscription {
	ch := make(chan Entry, subscriberQueue)
	s := &Subscription{C: ch, ch: ch}
	s.SetLevel(minLevel)
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call twice.
func (b *Buffer) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Handler returns an slog.Handler that records into b every record at or
// above level. A nil level means slog.LevelInfo.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &handler{buf: b, level: level}
}

type handler struct {
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr // already qualified with the group prefix
	prefix string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.prefix, a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.buf.add(Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	flat := make(map[string]any)
	for _, a := range attrs {
		addAttr(flat, h.prefix, a)
	}
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(flat))
	next.attrs = append(next.attrs, h.attrs...)
	for k, v := range flat {
		next.attrs = append(next.attrs, slog.Any(k, v))
	}
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// addAttr stores a under its dotted key, flattening groups.
func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(dst, sub, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.Any()
}

// ParseLevel converts a level name such as "debug" or "WARN" to a level.
// Unknown names yield slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
