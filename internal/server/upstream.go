package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
)

// serveUpstream forwards the request to the upstream origin and relays the
// response, streaming injectable bodies behind the preamble.
func (s *Server) serveUpstream(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	start := time.Now()
	cw := &countingWriter{ResponseWriter: w}
	injected := false

	outReq := r.Clone(r.Context())
	outReq.URL = s.upstreamURL(r)
	outReq.Host = s.upstream.Host
	outReq.RequestURI = "" // Required for client requests.
	removeHopByHopHeaders(outReq.Header)
	// The preamble can only be spliced into an unencoded body.
	outReq.Header.Set("Accept-Encoding", "identity")
	if ip := clientIP(r.RemoteAddr); ip != "" {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		outReq.Header.Set("X-Forwarded-For", ip)
	}

	timing := servertiming.FromContext(r.Context()).NewMetric("upstream").WithDesc("upstream round trip").Start()
	resp, err := s.transport.RoundTrip(outReq)
	timing.Stop()
	if err != nil {
		http.Error(cw, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		s.record(r, false, cw.n)
		logger.Error("upstream request failed",
			"method", r.Method,
			"url", outReq.URL.String(),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			cw.Header().Add(k, v)
		}
	}

	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK && s.injectable(resp.Header.Get("Content-Type")) {
		if encoded(resp.Header) {
			s.fallback()
			logger.Warn("injection skipped: encoded response body",
				"path", r.URL.Path,
				"content_encoding", resp.Header.Get("Content-Encoding"),
			)
		} else {
			injected = true
		}
	}

	if injected {
		_, err = s.writeInjected(cw, resp.StatusCode, resp.Body, resp.ContentLength)
	} else {
		cw.WriteHeader(resp.StatusCode)
		_, err = io.Copy(cw, resp.Body)
	}
	logCopyError(logger, r, err)

	s.record(r, injected, cw.n)

	logger.Info("upstream",
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"injected", injected,
		"bytes", cw.n,
		"duration_ms", time.Since(start).Milliseconds(),
		"remote", r.RemoteAddr,
	)

	if s.verbose {
		logger.Debug("upstream response",
			"url", outReq.URL.String(),
			"content_length", resp.ContentLength,
			"headers", flattenHeaders(resp.Header),
		)
	}
}

// upstreamURL maps the incoming request path onto the upstream base URL.
func (s *Server) upstreamURL(r *http.Request) *url.URL {
	u := *s.upstream
	u.Path = joinPath(s.upstream.Path, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return &u
}

func joinPath(base, p string) string {
	switch {
	case base == "":
		return p
	case p == "":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
