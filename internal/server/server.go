/*
Package server implements the wvid HTTP server.

The server serves web content either from a local directory or from an
upstream origin (typically a live-reload dev server) and splices the bridge
<script> preamble into HTML responses as they stream to the client.
Requests under the management path prefix are handled as management
endpoints (heartbeat, stats, log feed).
*/
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/ushineko/webview-injector/internal/inject"
)

// Serving modes reported by Mode.
const (
	ModeLocal    = "local"
	ModeUpstream = "upstream"
)

// Server serves web content with script injection.
type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	verbose          bool
	startTime        time.Time
	injector         *inject.Injector
	injectTypes      map[string]struct{}
	root             http.FileSystem
	upstream         *url.URL
	transport        http.RoundTripper
	managementPrefix string
	content          http.Handler

	heartbeatHandler http.HandlerFunc
	statsHandler     http.HandlerFunc
	logsHandler      http.HandlerFunc
	logStreamHandler http.HandlerFunc

	onRequest  func(clientIP, path string, injected bool, bytesOut int64)
	onFallback func()

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	shutdownOnce sync.Once
}

// Config holds server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":18740").
	ListenAddr string
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// Verbose enables per-request header logging.
	Verbose bool
	// Injector produces the preamble stream. If nil, responses are never modified.
	Injector *inject.Injector
	// InjectContentTypes are the media types that receive the preamble.
	// Empty means text/html only.
	InjectContentTypes []string
	// Root is the directory served in local mode.
	Root string
	// Upstream switches the server to upstream mode when non-empty.
	Upstream string
	// Transport is used for upstream requests. Nil uses a clone of
	// http.DefaultTransport with UpstreamTimeout as the response header timeout.
	Transport http.RoundTripper
	// UpstreamTimeout bounds the wait for upstream response headers. Zero uses 30s.
	UpstreamTimeout time.Duration
	// ReadHeaderTimeout is the timeout for reading client request headers. Zero uses 10s.
	ReadHeaderTimeout time.Duration
	// ManagementPrefix is the URL path prefix for management endpoints. Empty uses "/wvi".
	ManagementPrefix string
	// HeartbeatHandler handles <prefix>/heartbeat.
	HeartbeatHandler http.HandlerFunc
	// StatsHandler handles <prefix>/stats.
	StatsHandler http.HandlerFunc
	// LogsHandler handles <prefix>/logs. Optional.
	LogsHandler http.HandlerFunc
	// LogStreamHandler handles <prefix>/logs/ws. Optional.
	LogStreamHandler http.HandlerFunc
	// OnRequest is called after each served response.
	OnRequest func(clientIP, path string, injected bool, bytesOut int64)
	// OnFallback is called when an injectable response is served unmodified.
	OnFallback func()
}

// New creates a server from cfg.
func New(cfg *Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upstreamTimeout := cfg.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = 30 * time.Second
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	mgmtPrefix := strings.TrimSuffix(cfg.ManagementPrefix, "/")
	if mgmtPrefix == "" {
		mgmtPrefix = "/wvi"
	}

	types := cfg.InjectContentTypes
	if len(types) == 0 {
		types = []string{"text/html"}
	}
	injectTypes := make(map[string]struct{}, len(types))
	for _, t := range types {
		injectTypes[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	s := &Server{
		logger:           logger,
		verbose:          cfg.Verbose,
		startTime:        time.Now(),
		injector:         cfg.Injector,
		injectTypes:      injectTypes,
		transport:        cfg.Transport,
		managementPrefix: mgmtPrefix,
		heartbeatHandler: cfg.HeartbeatHandler,
		statsHandler:     cfg.StatsHandler,
		logsHandler:      cfg.LogsHandler,
		logStreamHandler: cfg.LogStreamHandler,
		onRequest:        cfg.OnRequest,
		onFallback:       cfg.OnFallback,
	}

	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %q: %w", cfg.Upstream, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q: must be an absolute http(s) URL", cfg.Upstream)
		}
		s.upstream = u
		if s.transport == nil {
			t := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck // DefaultTransport is always *http.Transport
			t.ResponseHeaderTimeout = upstreamTimeout
			s.transport = t
		}
	} else {
		if cfg.Root == "" {
			return nil, fmt.Errorf("root directory is required in local mode")
		}
		s.root = http.Dir(cfg.Root)
	}

	s.content = servertiming.Middleware(http.HandlerFunc(s.serveContent), nil)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// ServeHTTP dispatches to the management handlers or the content handler
// for the current mode.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	if strings.HasPrefix(r.URL.Path, s.managementPrefix+"/") {
		s.handleManagement(w, r)
		return
	}

	s.content.ServeHTTP(w, r)
}

// serveContent handles a non-management request in the current mode.
func (s *Server) serveContent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := s.logger.With("request_id", requestID)

	if s.verbose {
		logger.Debug("request",
			"method", r.Method,
			"url", r.URL.String(),
			"remote", r.RemoteAddr,
			"user_agent", r.Header.Get("User-Agent"),
			"headers", flattenHeaders(r.Header),
		)
	}

	if s.upstream != nil {
		s.serveUpstream(w, r, logger)
		return
	}
	s.serveLocal(w, r, logger)
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server starting",
		"addr", s.httpServer.Addr,
		"mode", s.Mode(),
	)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server starting",
		"addr", l.Addr().String(),
		"mode", s.Mode(),
	)
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("server shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// Mode returns ModeUpstream when proxying to an upstream origin, ModeLocal otherwise.
func (s *Server) Mode() string {
	if s.upstream != nil {
		return ModeUpstream
	}
	return ModeLocal
}

// ConnectionsTotal returns the total number of requests handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of requests currently in flight.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// StartedAt returns the time the server was created.
func (s *Server) StartedAt() time.Time {
	return s.startTime
}

// SetHandlers replaces the management endpoint handlers after construction.
// This allows creating the handlers with a reference to the Server itself.
func (s *Server) SetHandlers(heartbeat, stats http.HandlerFunc) {
	s.heartbeatHandler = heartbeat
	s.statsHandler = stats
}

// SetLogHandlers installs the log feed endpoints. Nil handlers answer 404.
func (s *Server) SetLogHandlers(recent, stream http.HandlerFunc) {
	s.logsHandler = recent
	s.logStreamHandler = stream
}

func (s *Server) record(r *http.Request, injected bool, bytesOut int64) {
	if s.onRequest != nil {
		s.onRequest(clientIP(r.RemoteAddr), r.URL.Path, injected, bytesOut)
	}
}

func (s *Server) fallback() {
	if s.onFallback != nil {
		s.onFallback()
	}
}

// hopByHopHeaders are headers that apply to a single transport-level
// connection and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
}

// flattenHeaders converts HTTP headers to a flat key=value slice for structured logging.
func flattenHeaders(h http.Header) []string {
	var out []string
	for k, vv := range h {
		for _, v := range vv {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// clientIP returns the host part of a remote address.
func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
