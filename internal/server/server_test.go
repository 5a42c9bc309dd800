package server_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/webview-injector/internal/console"
	"github.com/ushineko/webview-injector/internal/inject"
	"github.com/ushineko/webview-injector/internal/logbuf"
	"github.com/ushineko/webview-injector/internal/probe"
	"github.com/ushineko/webview-injector/internal/server"
	"github.com/ushineko/webview-injector/internal/stats"
)

const _preamble = "<script type=\"text/javascript\">var a=1;\n\nvar b=2;</script>"

type _recorded struct {
	ip       string
	path     string
	injected bool
	bytes    int64
}

type _recorder struct {
	mu        sync.Mutex
	requests  []_recorded
	fallbacks int
}

func (r *_recorder) onRequest(ip, path string, injected bool, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, _recorded{ip, path, injected, n})
}

func (r *_recorder) onFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks++
}

func (r *_recorder) fallbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbacks
}

// nth waits for the i-th recorded request; the callback runs after the
// response has been written.
func (r *_recorder) nth(t *testing.T, i int) _recorded {
	t.Helper()
	var got _recorded
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.requests) <= i {
			return false
		}
		got = r.requests[i]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func _quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// _writeSite creates a small document root.
func _writeSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":     "<html>hello</html>",
		"app.js":         "console.log('app');",
		"notes.txt":      "plain notes",
		"sub/index.html": "<html>sub</html>",
		"noindex/a.css":  "body{}",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	return root
}

func _startServer(t *testing.T, cfg *server.Config) (*server.Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = _quietLogger()
	}
	srv, err := server.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func _noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func _get(t *testing.T, client *http.Client, method, url string, hdr http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	for k, vv := range hdr {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  server.Config
	}{
		{"missing root", server.Config{}},
		{"relative upstream", server.Config{Upstream: "localhost:5173"}},
		{"bad scheme", server.Config{Upstream: "ftp://localhost:5173"}},
		{"unparseable upstream", server.Config{Upstream: "http://[::1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(&tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLocal_InjectsIndex(t *testing.T) {
	rec := &_recorder{}
	srv, ts := _startServer(t, &server.Config{
		Root:      _writeSite(t),
		Injector:  inject.New("var a=1;", "var b=2;"),
		OnRequest: rec.onRequest,
	})
	assert.Equal(t, server.ModeLocal, srv.Mode())

	resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	want := _preamble + "<html>hello</html>"
	assert.Equal(t, want, body)
	assert.Equal(t, strconv.Itoa(len(want)), resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Contains(t, resp.Header.Get("Server-Timing"), "fs")

	last := rec.nth(t, 0)
	assert.Equal(t, "127.0.0.1", last.ip)
	assert.Equal(t, "/", last.path)
	assert.True(t, last.injected)
	assert.Equal(t, int64(len(want)), last.bytes)
}

func TestLocal_Paths(t *testing.T) {
	_, ts := _startServer(t, &server.Config{
		Root:     _writeSite(t),
		Injector: inject.New("var a=1;", "var b=2;"),
	})
	client := _noRedirectClient()

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{"explicit index", http.MethodGet, "/index.html", http.StatusOK, _preamble + "<html>hello</html>"},
		{"subdirectory index", http.MethodGet, "/sub/", http.StatusOK, _preamble + "<html>sub</html>"},
		{"script untouched", http.MethodGet, "/app.js", http.StatusOK, "console.log('app');"},
		{"text untouched", http.MethodGet, "/notes.txt", http.StatusOK, "plain notes"},
		{"head has no body", http.MethodHead, "/", http.StatusOK, ""},
		{"missing file", http.MethodGet, "/missing.html", http.StatusNotFound, "404 page not found\n"},
		{"directory without index", http.MethodGet, "/noindex/", http.StatusNotFound, "404 page not found\n"},
		{"traversal stays in root", http.MethodGet, "/../../etc/passwd", http.StatusNotFound, "404 page not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := _get(t, client, tt.method, ts.URL+tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestLocal_HeadReportsInjectedLength(t *testing.T) {
	inj := inject.New("var a=1;", "var b=2;")
	_, ts := _startServer(t, &server.Config{Root: _writeSite(t), Injector: inj})

	get, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	head, headBody := _get(t, ts.Client(), http.MethodHead, ts.URL+"/", nil)

	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Empty(t, headBody)
	assert.Equal(t, int64(len(body)), get.ContentLength)
	assert.Equal(t, strconv.Itoa(len(_preamble+"<html>hello</html>")), head.Header.Get("Content-Length"))
	assert.Equal(t, get.Header.Get("Content-Length"), head.Header.Get("Content-Length"))
	assert.Equal(t, get.Header.Get("Content-Type"), head.Header.Get("Content-Type"))
}

func TestLocal_DirectoryRedirect(t *testing.T) {
	_, ts := _startServer(t, &server.Config{Root: _writeSite(t)})

	resp, _ := _get(t, _noRedirectClient(), http.MethodGet, ts.URL+"/sub?x=1", nil)
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/sub/?x=1", resp.Header.Get("Location"))
}

func TestLocal_RangeOnNonInjectable(t *testing.T) {
	_, ts := _startServer(t, &server.Config{
		Root:     _writeSite(t),
		Injector: inject.New("var a=1;", "var b=2;"),
	})

	resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/app.js", http.Header{"Range": {"bytes=0-6"}})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "console", body)
}

func TestLocal_CustomContentTypes(t *testing.T) {
	_, ts := _startServer(t, &server.Config{
		Root:               _writeSite(t),
		Injector:           inject.New("var a=1;", "var b=2;"),
		InjectContentTypes: []string{"text/plain"},
	})

	_, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/notes.txt", nil)
	assert.Equal(t, _preamble+"plain notes", body)

	_, body = _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	assert.Equal(t, "<html>hello</html>", body)
}

func TestLocal_NilInjectorServesOriginal(t *testing.T) {
	_, ts := _startServer(t, &server.Config{Root: _writeSite(t)})

	_, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	assert.Equal(t, "<html>hello</html>", body)
}

// _upstream starts an origin that records the last request it received.
func _upstream(t *testing.T, h http.HandlerFunc) (*httptest.Server, func() *http.Request) {
	t.Helper()
	var mu sync.Mutex
	var last *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = r.Clone(context.Background())
		mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, func() *http.Request {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestUpstream_InjectsHTML(t *testing.T) {
	origin, lastReq := _upstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	})
	rec := &_recorder{}
	srv, ts := _startServer(t, &server.Config{
		Upstream:  origin.URL + "/app",
		Injector:  inject.New("var a=1;", "var b=2;"),
		OnRequest: rec.onRequest,
	})
	assert.Equal(t, server.ModeUpstream, srv.Mode())

	resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/page?q=1", http.Header{
		"Accept-Encoding": {"gzip, br"},
		"Connection":      {"X-Drop"},
		"X-Drop":          {"1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	want := _preamble + "hello"
	assert.Equal(t, want, body)
	assert.Equal(t, strconv.Itoa(len(want)), resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Server-Timing"), "upstream")

	got := lastReq()
	require.NotNil(t, got)
	assert.Equal(t, "/app/page", got.URL.Path)
	assert.Equal(t, "q=1", got.URL.RawQuery)
	assert.Equal(t, "identity", got.Header.Get("Accept-Encoding"))
	assert.Empty(t, got.Header.Get("X-Drop"))
	assert.Equal(t, "127.0.0.1", got.Header.Get("X-Forwarded-For"))

	assert.True(t, rec.nth(t, 0).injected)
}

func TestUpstream_ChunkedHTML(t *testing.T) {
	origin, _ := _upstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>one</p>"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("<p>two</p>"))
	})
	_, ts := _startServer(t, &server.Config{
		Upstream: origin.URL,
		Injector: inject.New("var a=1;", "var b=2;"),
	})

	resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	assert.Equal(t, _preamble+"<p>one</p><p>two</p>", body)
	assert.Equal(t, int64(-1), resp.ContentLength)
}

func TestUpstream_StreamsBeforeOriginFinishes(t *testing.T) {
	release := make(chan struct{})
	origin, _ := _upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>one</p>"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("<p>two</p>"))
	})
	_, ts := _startServer(t, &server.Config{
		Upstream: origin.URL,
		Injector: inject.New("var a=1;", "var b=2;"),
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err, "headers must arrive while the origin is still writing")
	defer resp.Body.Close() //nolint:errcheck // test

	assert.Equal(t, int64(-1), resp.ContentLength)
	first := make([]byte, len(_preamble)+len("<p>one</p>"))
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)
	assert.Equal(t, _preamble+"<p>one</p>", string(first))

	unblock()
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>two</p>", string(rest))
}

func TestUpstream_Passthrough(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte("<html>zipped</html>"))
	require.NoError(t, zw.Close())

	origin, _ := _upstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(gz.Bytes())
		case "/missing":
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("<html>nope</html>"))
		case "/data.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.Header().Set("Content-Type", "text/html")
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(body)
		}
	})
	rec := &_recorder{}
	_, ts := _startServer(t, &server.Config{
		Upstream:   origin.URL,
		Injector:   inject.New("var a=1;", "var b=2;"),
		OnRequest:  rec.onRequest,
		OnFallback: rec.onFallback,
	})
	// A raw transport so the client does not transparently decode gzip.
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}

	t.Run("encoded body", func(t *testing.T) {
		resp, body := _get(t, client, http.MethodGet, ts.URL+"/gzip", nil)
		assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
		assert.Equal(t, gz.String(), body)
		assert.False(t, rec.nth(t, 0).injected)
		assert.Equal(t, 1, rec.fallbackCount())
	})

	t.Run("non-200 status", func(t *testing.T) {
		resp, body := _get(t, client, http.MethodGet, ts.URL+"/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "<html>nope</html>", body)
	})

	t.Run("non-html type", func(t *testing.T) {
		_, body := _get(t, client, http.MethodGet, ts.URL+"/data.json", nil)
		assert.JSONEq(t, `{"ok":true}`, body)
	})

	t.Run("non-GET method", func(t *testing.T) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.URL+"/echo", bytes.NewBufferString("<b>posted</b>"))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck // test
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "<b>posted</b>", string(body))
	})
}

func TestUpstream_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	rec := &_recorder{}
	_, ts := _startServer(t, &server.Config{
		Upstream:  "http://" + addr,
		OnRequest: rec.onRequest,
	})

	resp, _ := _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, rec.nth(t, 0).injected)
}

func TestManagement(t *testing.T) {
	collector := stats.NewCollector()
	srv, ts := _startServer(t, &server.Config{
		Root:      _writeSite(t),
		Injector:  inject.New("var a=1;", "var b=2;"),
		OnRequest: collector.RecordRequest,
	})
	srv.SetHandlers(
		probe.HeartbeatHandler(srv, &probe.FragmentInfo{PreambleBytes: len(_preamble)}),
		probe.StatsHandler(&probe.StatsProvider{Info: srv, Collector: collector}),
	)

	_, _ = _get(t, ts.Client(), http.MethodGet, ts.URL+"/", nil)

	resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/wvi/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb probe.HeartbeatResponse
	require.NoError(t, json.Unmarshal([]byte(body), &hb))
	assert.Equal(t, "ok", hb.Status)
	assert.Equal(t, server.ModeLocal, hb.Mode)
	assert.Equal(t, len(_preamble), hb.PreambleBytes)
	assert.GreaterOrEqual(t, hb.ConnectionsTotal, int64(2))

	var st probe.StatsResponse
	require.Eventually(t, func() bool {
		resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/wvi/stats", nil)
		return resp.StatusCode == http.StatusOK &&
			json.Unmarshal([]byte(body), &st) == nil &&
			st.Requests == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), st.Injected)

	resp, _ = _get(t, ts.Client(), http.MethodGet, ts.URL+"/wvi/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManagement_NilHandlers(t *testing.T) {
	_, ts := _startServer(t, &server.Config{Root: _writeSite(t), ManagementPrefix: "/_admin/"})

	for _, p := range []string{"/_admin/heartbeat", "/_admin/stats", "/_admin/logs", "/_admin/logs/ws"} {
		resp, _ := _get(t, ts.Client(), http.MethodGet, ts.URL+p, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}
}

func TestManagement_LogFeed(t *testing.T) {
	buf := logbuf.New(10)
	srv, ts := _startServer(t, &server.Config{
		Root:   _writeSite(t),
		Logger: slog.New(buf.Handler(slog.LevelInfo)),
	})
	srv.SetLogHandlers(console.RecentHandler(buf), nil)

	_, _ = _get(t, ts.Client(), http.MethodGet, ts.URL+"/app.js", nil)

	// The access log line is written after the response completes.
	var last logbuf.Entry
	require.Eventually(t, func() bool {
		resp, body := _get(t, ts.Client(), http.MethodGet, ts.URL+"/wvi/logs", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var entries []logbuf.Entry
		if json.Unmarshal([]byte(body), &entries) != nil || len(entries) == 0 {
			return false
		}
		last = entries[len(entries)-1]
		return last.Message == "local"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "/app.js", last.Attrs["path"])
	assert.NotEmpty(t, last.Attrs["request_id"])

	resp, _ := _get(t, ts.Client(), http.MethodGet, ts.URL+"/wvi/logs/ws", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Lifecycle(t *testing.T) {
	srv, err := server.New(&server.Config{Root: _writeSite(t), Logger: _quietLogger()})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, body := _get(t, http.DefaultClient, http.MethodGet, "http://"+l.Addr().String()+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>hello</html>", body)
	assert.Equal(t, int64(1), srv.ConnectionsTotal())
	assert.Eventually(t, func() bool { return srv.ConnectionsActive() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, srv.Uptime())
	assert.False(t, srv.StartedAt().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
