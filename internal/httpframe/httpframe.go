// Package httpframe incrementally frames a forwarded HTTP/1.1 response
// byte stream: it detects the end of the header block, discriminates
// Content-Length, chunked, and close-delimited bodies, and hands back
// bytes the caller can forward to the client as soon as they are known
// to be safe to forward.
package httpframe

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/encoding/charmap"

	"github.com/postalsys/dualproxy/internal/httpchunk"
)

// MaxHeaderSize is the largest header block (status line through the
// terminating blank line) this framer will accumulate before failing.
const MaxHeaderSize = 8192

var (
	// ErrHeaderTooLarge is returned when the header block exceeds MaxHeaderSize
	// without a terminating CRLF CRLF.
	ErrHeaderTooLarge = errors.New("http response header block too large")
	// ErrConflictingLengthEncoding is returned when a response carries both
	// Content-Length and Transfer-Encoding: chunked.
	ErrConflictingLengthEncoding = errors.New("conflicting content-length and transfer-encoding")
	// ErrUnsupportedTransferEncoding is returned for any Transfer-Encoding
	// value other than chunked.
	ErrUnsupportedTransferEncoding = errors.New("unsupported transfer-encoding")
	// ErrInvalidContentLength is returned when Content-Length is present but
	// not a valid non-negative integer.
	ErrInvalidContentLength = errors.New("invalid content-length")
	// ErrMalformedStatusLine is returned when the status line cannot be parsed.
	ErrMalformedStatusLine = errors.New("malformed http status line")
	// ErrMalformedHeaderField is returned when a header name or value fails
	// RFC 7230 token/value validation.
	ErrMalformedHeaderField = errors.New("malformed http header field")
)

type bodyMode int

const (
	bodyModeLength bodyMode = iota
	bodyModeChunked
	bodyModeClose
)

// Framer implements the feed/drain/finished contract described for a
// forwarded HTTP response: feed raw bytes as they arrive from the origin,
// drain the bytes that are now safe to relay to the client, and poll
// finished to learn when the response is complete.
type Framer struct {
	raw    bytes.Buffer
	out    bytes.Buffer
	closed bool

	headerComplete bool
	finished       bool
	statusCode     int

	mode        bodyMode
	remaining   int64
	chunkReader *httpchunk.Reader
}

// New creates an HTTP response framer.
func New() *Framer {
	return &Framer{}
}

// StatusCode returns the status code of the final (non-informational)
// status line once the header block has completed. Before that it is 0.
func (f *Framer) StatusCode() int {
	return f.statusCode
}

// Feed appends bytes newly read from the origin connection.
func (f *Framer) Feed(p []byte) error {
	if f.finished {
		return nil
	}
	f.raw.Write(p)

	if !f.headerComplete {
		if err := f.consumeHeaderBlocks(); err != nil {
			return err
		}
		if !f.headerComplete {
			return nil
		}
	}

	return f.pumpBody()
}

// consumeHeaderBlocks repeatedly parses status-line+headers blocks out of
// f.raw. Informational (1xx) responses are forwarded as-is and the framer
// re-enters header-parse state for the next status line, so more than one
// block may be consumed in a single call.
func (f *Framer) consumeHeaderBlocks() error {
	for {
		b := f.raw.Bytes()
		idx := bytes.Index(b, []byte("\r\n\r\n"))
		if idx < 0 {
			if f.raw.Len() > MaxHeaderSize {
				return fmt.Errorf("%w: exceeds %d bytes", ErrHeaderTooLarge, MaxHeaderSize)
			}
			return nil
		}

		block := make([]byte, idx+4)
		copy(block, b[:idx+4])
		f.raw.Next(idx + 4)

		statusCode, header, err := parseHeaderBlock(block)
		if err != nil {
			return err
		}

		f.out.Write(block)

		if statusCode < 200 {
			// Informational: already forwarded, parse the next status line.
			continue
		}

		f.statusCode = statusCode
		f.headerComplete = true
		return f.chooseBodyMode(header)
	}
}

// chooseBodyMode applies steps 3-5 of the framing contract and selects how
// the body will be bounded.
func (f *Framer) chooseBodyMode(header textproto.MIMEHeader) error {
	contentLength := header.Get("Content-Length")
	transferEncoding := header.Get("Transfer-Encoding")

	if contentLength != "" && transferEncoding != "" {
		return ErrConflictingLengthEncoding
	}

	switch {
	case transferEncoding != "":
		if !strings.EqualFold(strings.TrimSpace(transferEncoding), "chunked") {
			return fmt.Errorf("%w: %q", ErrUnsupportedTransferEncoding, transferEncoding)
		}
		f.mode = bodyModeChunked
		f.chunkReader = httpchunk.New()

	case contentLength != "":
		n, err := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidContentLength, contentLength)
		}
		f.mode = bodyModeLength
		f.remaining = n
		if f.remaining == 0 {
			f.finished = true
		}

	default:
		f.mode = bodyModeClose
	}

	return nil
}

// pumpBody moves any bytes currently buffered in f.raw into f.out according
// to the active body mode.
func (f *Framer) pumpBody() error {
	if f.finished {
		return nil
	}

	switch f.mode {
	case bodyModeLength:
		n := int64(f.raw.Len())
		if n > f.remaining {
			n = f.remaining
		}
		if n > 0 {
			chunk := make([]byte, n)
			f.raw.Read(chunk)
			f.out.Write(chunk)
			f.remaining -= n
		}
		if f.remaining == 0 {
			f.finished = true
		}

	case bodyModeChunked:
		if f.raw.Len() > 0 {
			data := append([]byte(nil), f.raw.Bytes()...)
			f.raw.Reset()
			if err := f.chunkReader.Feed(data); err != nil {
				return err
			}
			for _, c := range f.chunkReader.Chunks() {
				f.out.Write(c)
			}
		}
		if f.chunkReader.Finished() {
			f.finished = true
		}

	case bodyModeClose:
		if f.raw.Len() > 0 {
			f.out.Write(f.raw.Bytes())
			f.raw.Reset()
		}
		if f.closed {
			f.finished = true
		}
	}

	return nil
}

// NotifyClosed tells the framer that the origin connection has closed.
// It only affects close-delimited bodies, where the absence of a length
// and the absence of chunking means completion is defined by EOF.
func (f *Framer) NotifyClosed() {
	f.closed = true
	if f.headerComplete && f.mode == bodyModeClose {
		f.finished = true
	}
}

// Drain returns the bytes that are safe to forward to the client and
// clears the internal output accumulator.
func (f *Framer) Drain() []byte {
	if f.out.Len() == 0 {
		return nil
	}
	out := make([]byte, f.out.Len())
	f.out.Read(out)
	return out
}

// Finished reports whether the header block is complete and the body has
// reached its natural end (length exhausted, chunked terminator seen, or
// the origin closed for a close-delimited body).
func (f *Framer) Finished() bool {
	return f.finished
}

// parseHeaderBlock decodes a status-line+headers block (ISO-8859-1, per
// RFC 7230's historical Latin-1 allowance for header bytes) and returns
// the status code together with the canonicalized header set.
func parseHeaderBlock(block []byte) (int, textproto.MIMEHeader, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(block)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: iso-8859-1 decode: %v", ErrMalformedStatusLine, err)
	}

	lineEnd := bytes.IndexByte(decoded, '\n')
	if lineEnd < 0 {
		return 0, nil, fmt.Errorf("%w: missing status line", ErrMalformedStatusLine)
	}
	statusLine := strings.TrimRight(string(decoded[:lineEnd]), "\r\n")

	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, nil, fmt.Errorf("%w: %q", ErrMalformedStatusLine, statusLine)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, nil, fmt.Errorf("%w: status code %q", ErrMalformedStatusLine, fields[1])
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(decoded[lineEnd+1:])))
	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedHeaderField, err)
	}
	for name, values := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return 0, nil, fmt.Errorf("%w: name %q", ErrMalformedHeaderField, name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return 0, nil, fmt.Errorf("%w: value %q", ErrMalformedHeaderField, v)
			}
		}
	}

	return code, header, nil
}
