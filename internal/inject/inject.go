/*
Package inject splices a generated <script> preamble in front of a byte stream.

An Injector is built once from two script fragments (the bridge core and the
concatenated plugin scripts). Each call to Inject returns a fresh Stream that
yields the preamble bytes and then forwards reads to the caller's reader.
The caller's reader is never read ahead of the consumer and is never closed.
*/
package inject

import (
	"errors"
	"io"
	"strings"
)

const (
	scriptOpen  = `<script type="text/javascript">`
	scriptClose = `</script>`
	separator   = "\n\n"
)

// ErrNoSource is returned by Stream.Read once the preamble is exhausted
// when Inject was called with a nil reader.
var ErrNoSource = errors.New("inject: no source stream")

// Injector holds the two script fragments. It is immutable after New and
// safe for concurrent use.
type Injector struct {
	core   string
	plugin string
}

// New returns an Injector bound to the given fragments. Both may be empty.
// The fragments are treated as opaque text; nothing is escaped.
func New(core, plugin string) *Injector {
	return &Injector{core: core, plugin: plugin}
}

// Preamble returns the script element that Inject places ahead of the source.
func (i *Injector) Preamble() string {
	var b strings.Builder
	b.Grow(len(scriptOpen) + len(i.core) + len(separator) + len(i.plugin) + len(scriptClose))
	b.WriteString(scriptOpen)
	b.WriteString(i.core)
	b.WriteString(separator)
	b.WriteString(i.plugin)
	b.WriteString(scriptClose)
	return b.String()
}

// Inject returns a Stream that reads the UTF-8 preamble followed by src.
// No read is issued on src until the consumer drains the preamble.
func (i *Injector) Inject(src io.Reader) *Stream {
	return &Stream{
		head: []byte(i.Preamble()),
		src:  src,
	}
}

// Stream is the combined preamble+source reader. It is single-use and
// must not be read from more than one goroutine.
type Stream struct {
	head []byte
	pos  int
	src  io.Reader
}

var (
	_ io.Reader   = (*Stream)(nil)
	_ io.WriterTo = (*Stream)(nil)
)

// Read drains the preamble, then forwards to the source. Errors from the
// source, including io.EOF, are returned as-is.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.pos < len(s.head) {
		n := copy(p, s.head[s.pos:])
		s.pos += n
		return n, nil
	}
	if s.src == nil {
		return 0, ErrNoSource
	}
	return s.src.Read(p)
}

// WriteTo writes the remaining preamble and then copies the source to w.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if s.pos < len(s.head) {
		rest := s.head[s.pos:]
		n, err := w.Write(rest)
		s.pos += n
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(rest) {
			return total, io.ErrShortWrite
		}
	}
	if s.src == nil {
		return total, ErrNoSource
	}
	n, err := io.Copy(w, s.src)
	return total + n, err
}

// PreambleLen returns the number of bytes this stream prepends.
func (s *Stream) PreambleLen() int {
	return len(s.head)
}
