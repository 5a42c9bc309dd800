package server

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
)

const indexPage = "index.html"

// serveLocal serves a file from the root directory. HTML responses to GET
// are streamed behind the preamble; everything else goes through
// http.ServeContent, which handles ranges and conditional requests.
func (s *Server) serveLocal(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	start := time.Now()
	cw := &countingWriter{ResponseWriter: w}
	injected := false

	defer func() {
		s.record(r, injected, cw.n)
		logger.Info("local",
			"method", r.Method,
			"path", r.URL.Path,
			"status", cw.status,
			"injected", injected,
			"bytes", cw.n,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	}()

	timing := servertiming.FromContext(r.Context()).NewMetric("fs").WithDesc("file lookup").Start()
	upath := path.Clean("/" + r.URL.Path)
	f, err := s.root.Open(upath)
	timing.Stop()
	if err != nil {
		localError(cw, r, err)
		return
	}
	defer f.Close() //nolint:errcheck // read-only file

	info, err := f.Stat()
	if err != nil {
		localError(cw, r, err)
		return
	}

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			target := r.URL.Path + "/"
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(cw, r, target, http.StatusMovedPermanently)
			return
		}
		index, err := s.root.Open(path.Join(upath, indexPage))
		if err != nil {
			localError(cw, r, err)
			return
		}
		defer index.Close() //nolint:errcheck // read-only file
		if info, err = index.Stat(); err != nil || info.IsDir() {
			http.NotFound(cw, r)
			return
		}
		f = index
	}

	ctype, err := contentType(f, info.Name())
	if err != nil {
		localError(cw, r, err)
		return
	}
	cw.Header().Set("Content-Type", ctype)

	if !s.injectable(ctype) || r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.ServeContent(cw, r, info.Name(), info.ModTime(), f)
		return
	}

	// HEAD reports the length a GET would send.
	if r.Method == http.MethodHead {
		cw.Header().Set("Content-Length", strconv.FormatInt(s.injectedLength(info.Size()), 10))
		cw.WriteHeader(http.StatusOK)
		return
	}

	injected = true
	_, err = s.writeInjected(cw, http.StatusOK, f, info.Size())
	logCopyError(logger, r, err)
}

// contentType resolves the media type from the file extension, falling back
// to content sniffing. The file is rewound after sniffing.
func contentType(f http.File, name string) (string, error) {
	if ctype := mime.TypeByExtension(path.Ext(name)); ctype != "" {
		return ctype, nil
	}
	var buf [512]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

func localError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, "403 Forbidden", http.StatusForbidden)
	default:
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
	}
}
