package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame layout per chunk:
//
//	<hex byte length>\r\n
//	<payload bytes>\r\n
//
// The payload is compact JSON followed by a blank-line record separator.
// The terminator is a zero-length chunk: "0\r\n\r\n".
const (
	crlf            = "\r\n"
	recordSeparator = "\n\n"
	terminator      = "0\r\n\r\n"
)

// ErrHeadersWritten reports a second call to WriteHeaders on the same Framer.
var ErrHeadersWritten = errors.New("wire: headers already written")

// Flusher is the subset of the transport that forces buffered bytes out.
// *bufio.Writer and http.Flusher-backed writers both satisfy it via adapters.
type Flusher interface {
	Flush() error
}

// Framer writes the framed streaming response. Every write is flushed
// immediately: the whole point is minimizing time-to-first-byte and
// time-to-next-byte for the caller. Framer is not safe for concurrent use;
// one goroutine owns the wire.
type Framer struct {
	w       io.Writer
	flush   Flusher
	headers bool
}

// NewFramer wraps the hijacked transport. flush may be nil when w does its
// own flushing.
func NewFramer(w io.Writer, flush Flusher) *Framer {
	return &Framer{w: w, flush: flush}
}

// responseHeaders is the exact header set for a long-lived streamed reply.
// Order is not significant on the wire but kept stable for byte-exact tests.
var responseHeaders = []string{
	"Content-Type: text/plain; charset=utf-8",
	"Transfer-Encoding: chunked",
	"Cache-Control: no-cache, no-store, must-revalidate",
	"Connection: close",
	"X-Accel-Buffering: no",
	"X-Content-Type-Options: nosniff",
}

// WriteHeaders emits the status line and streaming headers. It must be called
// exactly once, before the first WriteChunk.
func (f *Framer) WriteHeaders() error {
	if f.headers {
		return ErrHeadersWritten
	}
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK")
	b.WriteString(crlf)
	for _, h := range responseHeaders {
		b.WriteString(h)
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	if _, err := io.WriteString(f.w, b.String()); err != nil {
		return fmt.Errorf("wire: write headers: %w", err)
	}
	f.headers = true
	return f.flushWire()
}

// WriteChunk serializes payload, appends the record separator, and writes one
// size-prefixed chunk. Failures are not retried here; the caller aborts the
// session.
func (f *Framer) WriteChunk(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	body = append(body, recordSeparator...)
	if _, err := io.WriteString(f.w, strconv.FormatInt(int64(len(body)), 16)); err != nil {
		return fmt.Errorf("wire: write chunk size: %w", err)
	}
	if _, err := io.WriteString(f.w, crlf); err != nil {
		return fmt.Errorf("wire: write chunk size: %w", err)
	}
	if _, err := f.w.Write(body); err != nil {
		return fmt.Errorf("wire: write chunk body: %w", err)
	}
	if _, err := io.WriteString(f.w, crlf); err != nil {
		return fmt.Errorf("wire: write chunk body: %w", err)
	}
	return f.flushWire()
}

// Finish writes the zero-length terminating chunk and flushes. No chunk may
// follow.
func (f *Framer) Finish() error {
	if _, err := io.WriteString(f.w, terminator); err != nil {
		return fmt.Errorf("wire: write terminator: %w", err)
	}
	return f.flushWire()
}

func (f *Framer) flushWire() error {
	if f.flush == nil {
		return nil
	}
	if err := f.flush.Flush(); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	return nil
}

// ReadChunk consumes one chunk from r. It returns io.EOF after a well-formed
// terminator and an error for any framing violation.
func ReadChunk(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("wire: read chunk size: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("wire: parse chunk size %q: %w", line, err)
	}
	if size == 0 {
		if err := expectCRLF(r); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read chunk body: %w", err)
	}
	if err := expectCRLF(r); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(body, []byte(recordSeparator)), nil
}

func expectCRLF(r *bufio.Reader) error {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("wire: read chunk trailer: %w", err)
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return fmt.Errorf("wire: malformed chunk trailer %q", buf)
	}
	return nil
}
