/*
Package stats provides in-memory counters and SQLite persistence for
served and injected responses.

The Collector accumulates per-client and per-path counters in memory using
atomic operations. A background flush loop periodically writes deltas to a
SQLite database so totals survive restarts.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// clientStats holds per-client-IP counters.
type clientStats struct {
	Requests atomic.Int64
	Injected atomic.Int64
	BytesOut atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	clients        sync.Map // string -> *clientStats
	pathRequests   sync.Map // string -> *atomic.Int64
	pathInjections sync.Map // string -> *atomic.Int64

	// InjectFallbacks counts responses that matched the injection rules
	// but were served unmodified.
	InjectFallbacks atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records a served response. injected reports whether the
// preamble was spliced into the body; bytesOut is the body size written.
func (c *Collector) RecordRequest(clientIP, path string, injected bool, bytesOut int64) {
	val, _ := c.clients.LoadOrStore(clientIP, &clientStats{})
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	cs.Requests.Add(1)
	cs.BytesOut.Add(bytesOut)
	if injected {
		cs.Injected.Add(1)
	}

	incr(&c.pathRequests, path)
	if injected {
		incr(&c.pathInjections, path)
	}
}

// RecordFallback records a response that should have been injected but
// was passed through unmodified.
func (c *Collector) RecordFallback() {
	c.InjectFallbacks.Add(1)
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, &atomic.Int64{})
	v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// ClientSnapshot captures a point-in-time view of per-client counters.
type ClientSnapshot struct {
	IP       string
	Requests int64
	Injected int64
	BytesOut int64
}

// PathCount holds a request path and its counter value.
type PathCount struct {
	Path  string
	Count int64
}

// SnapshotClients returns current per-client stats.
func (c *Collector) SnapshotClients() []ClientSnapshot {
	var out []ClientSnapshot
	c.clients.Range(func(key, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		ip, _ := key.(string)         //nolint:errcheck // type is guaranteed
		out = append(out, ClientSnapshot{
			IP:       ip,
			Requests: cs.Requests.Load(),
			Injected: cs.Injected.Load(),
			BytesOut: cs.BytesOut.Load(),
		})
		return true
	})
	return out
}

// SnapshotPathRequests returns current per-path request counts.
func (c *Collector) SnapshotPathRequests() []PathCount {
	return snapshot(&c.pathRequests)
}

// SnapshotPathInjections returns current per-path injection counts.
func (c *Collector) SnapshotPathInjections() []PathCount {
	return snapshot(&c.pathInjections)
}

func snapshot(m *sync.Map) []PathCount {
	var out []PathCount
	m.Range(func(key, value any) bool {
		p, _ := key.(string)                //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, PathCount{Path: p, Count: counter.Load()})
		return true
	})
	return out
}

// Totals sums the per-client counters.
func (c *Collector) Totals() (requests, injected, bytesOut int64) {
	c.clients.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		requests += cs.Requests.Load()
		injected += cs.Injected.Load()
		bytesOut += cs.BytesOut.Load()
		return true
	})
	return requests, injected, bytesOut
}

// TopPaths returns the n most requested paths from memory only.
func (c *Collector) TopPaths(n int) []PathCount {
	return topN(c.SnapshotPathRequests(), n)
}

// TopInjected returns the n most injected paths from memory only.
func (c *Collector) TopInjected(n int) []PathCount {
	return topN(c.SnapshotPathInjections(), n)
}

// TopClients returns the n busiest clients from memory only.
func (c *Collector) TopClients(n int) []ClientSnapshot {
	out := c.SnapshotClients()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].IP < out[j].IP
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// topN sorts by count descending (path ascending on ties) and truncates.
func topN(in []PathCount, n int) []PathCount {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Count != in[j].Count {
			return in[i].Count > in[j].Count
		}
		return in[i].Path < in[j].Path
	})
	if n > 0 && len(in) > n {
		in = in[:n]
	}
	return in
}
