/*
Package probe implements the heartbeat and stats management endpoints.

The heartbeat reports liveness, version, serving mode, connection counters,
the injected preamble size, and process resources. The stats endpoint
reports served/injected totals and top paths and clients, merging persisted
totals from the stats database with unflushed in-memory counters.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ushineko/webview-injector/internal/stats"
	"github.com/ushineko/webview-injector/internal/version"
)

// ServiceName is reported in the heartbeat.
const ServiceName = "webview-injector"

// ServerInfo exposes server metrics to the probe handlers.
type ServerInfo interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	Uptime() time.Duration
	Mode() string
}

// FragmentInfo describes the loaded script fragments.
type FragmentInfo struct {
	CoreBytes     int
	PluginBytes   int
	PreambleBytes int
	Plugins       []string
}

// HeartbeatResponse is the JSON structure returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status            string    `json:"status"`
	Service           string    `json:"service"`
	Version           string    `json:"version"`
	Mode              string    `json:"mode"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	ConnectionsTotal  int64     `json:"connections_total"`
	ConnectionsActive int64     `json:"connections_active"`
	CoreBytes         int       `json:"core_bytes"`
	PluginBytes       int       `json:"plugin_bytes"`
	PreambleBytes     int       `json:"preamble_bytes"`
	Plugins           []string  `json:"plugins"`
	Resources         Resources `json:"resources"`
}

// HeartbeatHandler returns a handler that serves the heartbeat response.
// frag may be nil when no fragments are loaded.
func HeartbeatHandler(info ServerInfo, frag *FragmentInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HeartbeatResponse{
			Status:            "ok",
			Service:           ServiceName,
			Version:           version.Short(),
			Mode:              info.Mode(),
			UptimeSeconds:     int64(info.Uptime().Seconds()),
			ConnectionsTotal:  info.ConnectionsTotal(),
			ConnectionsActive: info.ConnectionsActive(),
			Plugins:           []string{},
			Resources:         collectResources(),
		}
		if frag != nil {
			resp.CoreBytes = frag.CoreBytes
			resp.PluginBytes = frag.PluginBytes
			resp.PreambleBytes = frag.PreambleBytes
			if frag.Plugins != nil {
				resp.Plugins = frag.Plugins
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatsProvider gathers the sources used by the stats endpoint.
type StatsProvider struct {
	Info      ServerInfo
	Collector *stats.Collector
	// StatsDB is optional; when nil only in-memory counters are reported.
	StatsDB *stats.DB
}

// PathEntry is a path with its counter value.
type PathEntry struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// ClientEntry is a client with its counters.
type ClientEntry struct {
	IP       string `json:"ip"`
	Requests int64  `json:"requests"`
	Injected int64  `json:"injected"`
	BytesOut int64  `json:"bytes_out"`
}

// TrafficWindow holds persisted totals for a trailing time window.
type TrafficWindow struct {
	Requests int64 `json:"requests"`
	Injected int64 `json:"injected"`
	BytesOut int64 `json:"bytes_out"`
}

// StatsResponse is the JSON structure returned by the stats endpoint.
type StatsResponse struct {
	UptimeSeconds   int64         `json:"uptime_seconds"`
	Requests        int64         `json:"requests"`
	Injected        int64         `json:"injected"`
	InjectFallbacks int64         `json:"inject_fallbacks"`
	BytesOut        int64         `json:"bytes_out"`
	Persisted       bool          `json:"persisted"`
	TopPaths        []PathEntry   `json:"top_paths"`
	TopInjected     []PathEntry   `json:"top_injected"`
	TopClients      []ClientEntry `json:"top_clients"`
	// Last24h is present only when a stats database is configured.
	Last24h *TrafficWindow `json:"last_24h,omitempty"`
}

const defaultTopN = 10

// StatsHandler returns a handler that serves traffic statistics. The optional
// "n" query parameter limits each top list (default 10).
func StatsHandler(p *StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultTopN
		if raw := r.URL.Query().Get("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
				return
			}
			n = v
		}

		requests, injected, bytesOut := p.Collector.Totals()
		resp := StatsResponse{
			UptimeSeconds:   int64(p.Info.Uptime().Seconds()),
			Requests:        requests,
			Injected:        injected,
			InjectFallbacks: p.Collector.InjectFallbacks.Load(),
			BytesOut:        bytesOut,
			Persisted:       p.StatsDB != nil,
		}

		var paths, inj []stats.PathCount
		var clients []stats.ClientSnapshot
		if p.StatsDB != nil {
			var win TrafficWindow
			win.Requests, win.Injected, win.BytesOut = p.StatsDB.TrafficTotalsSince(time.Now().Add(-24 * time.Hour))
			resp.Last24h = &win
			paths = p.StatsDB.MergedTopPaths(n)
			inj = p.StatsDB.MergedTopInjected(n)
			clients = p.StatsDB.MergedTopClients(n)
		} else {
			paths = p.Collector.TopPaths(n)
			inj = p.Collector.TopInjected(n)
			clients = p.Collector.TopClients(n)
		}

		resp.TopPaths = toPathEntries(paths)
		resp.TopInjected = toPathEntries(inj)
		resp.TopClients = make([]ClientEntry, 0, len(clients))
		for _, c := range clients {
			resp.TopClients = append(resp.TopClients, ClientEntry{
				IP:       c.IP,
				Requests: c.Requests,
				Injected: c.Injected,
				BytesOut: c.BytesOut,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// StatsDisabledHandler reports that statistics collection is turned off.
func StatsDisabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats disabled"})
	}
}

func toPathEntries(in []stats.PathCount) []PathEntry {
	out := make([]PathEntry, 0, len(in))
	for _, pc := range in {
		out = append(out, PathEntry{Path: pc.Path, Count: pc.Count})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:gosec // best-effort response
}
