package server

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"syscall"
)

// injectable reports whether a response with the given Content-Type and
// Content-Encoding would carry the preamble. Status and method are checked
// by the callers.
func (s *Server) injectable(contentType string) bool {
	if s.injector == nil || contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := s.injectTypes[mt]
	return ok
}

func encoded(h http.Header) bool {
	enc := strings.TrimSpace(h.Get("Content-Encoding"))
	return enc != "" && !strings.EqualFold(enc, "identity")
}

// writeInjected writes status and streams body behind the preamble.
// contentLength is the length of body, or -1 if unknown. Unknown-length
// bodies are sent chunked and flushed after every write so a slow origin
// reaches the client as it produces output.
func (s *Server) writeInjected(w http.ResponseWriter, status int, body io.Reader, contentLength int64) (int64, error) {
	stream := s.injector.Inject(body)
	if contentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(contentLength+int64(stream.PreambleLen()), 10))
		w.WriteHeader(status)
		return io.Copy(w, stream)
	}

	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	if err := fw.flush(); err != nil {
		return 0, err
	}
	return stream.WriteTo(fw)
}

// injectedLength returns the Content-Length an injected response of size
// bytes would carry.
func (s *Server) injectedLength(size int64) int64 {
	return size + int64(len(s.injector.Preamble()))
}

// flushWriter flushes the underlying ResponseWriter after each write.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.flush()
}

func (f *flushWriter) flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func logCopyError(logger *slog.Logger, r *http.Request, err error) {
	if err == nil || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || r.Context().Err() != nil {
		return
	}
	logger.Warn("response stream interrupted",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
}

// countingWriter records the status code and body bytes written.
type countingWriter struct {
	http.ResponseWriter
	status int
	n      int64
}

func (c *countingWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *countingWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}
