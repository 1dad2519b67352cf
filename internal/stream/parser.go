package stream

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"strconv"
	"strings"
)

const (
	defaultReadChunk     = 32 * 1024
	defaultMaxBufferSize = 8 * 1024 * 1024

	// maxPartHeader bounds the search for the end of a part's headers.
	maxPartHeader = 1024
)

// Parser splits a multipart MJPEG byte stream into JPEG payloads. A part ends
// at the next boundary delimiter, or earlier once it is complete: its
// Content-Length bytes have arrived, or it ends in EOI followed by CRLF.
// Cameras write the delimiter before each part, so waiting for the next one
// would hold every frame back by one. In every case the image is cut out of
// the part by its SOI/EOI markers.
//
// A Parser is not safe for concurrent use and cannot be restarted.
type Parser struct {
	r         io.Reader
	delim     []byte
	buf       []byte
	chunk     []byte
	maxBuffer int

	// partStart is the offset just past the opening delimiter of the part
	// being accumulated, or -1 while no delimiter has been seen.
	partStart int
	// scanFrom is where the search for the closing delimiter resumes.
	scanFrom int
	eof      bool
	err      error
}

// ParserOption customizes a Parser.
type ParserOption func(*Parser)

// WithMaxBufferSize bounds how many bytes a single part may accumulate.
func WithMaxBufferSize(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.maxBuffer = n
		}
	}
}

// WithReadChunk sets the size of each read from the underlying reader.
func WithReadChunk(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.chunk = make([]byte, n)
		}
	}
}

// NewParser returns a parser reading from r. The boundary is the token declared
// in the content type, with or without its leading "--".
func NewParser(r io.Reader, boundary string, opts ...ParserOption) *Parser {
	p := &Parser{
		r:         r,
		delim:     []byte("--" + strings.TrimPrefix(boundary, "--")),
		chunk:     make([]byte, defaultReadChunk),
		maxBuffer: defaultMaxBufferSize,
		partStart: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next complete JPEG payload. It returns io.EOF once the
// stream ends, a *ProtocolError when a part outgrows the buffer limit and a
// *TransportError when the underlying reader fails. A complete image read
// before the failure is still returned first. Parts that do not hold a
// complete JPEG are skipped.
func (p *Parser) Next() ([]byte, error) {
	for {
		if frame, ok := p.scan(); ok {
			if frame != nil {
				return frame, nil
			}
			continue
		}

		if p.eof {
			return p.drain(io.EOF)
		}
		if p.err != nil {
			return p.drain(p.err)
		}

		if len(p.buf) > p.maxBuffer {
			p.reset()
			return nil, &ProtocolError{Op: "parse part", Err: ErrBufferOverflow}
		}

		p.fill()
	}
}

// scan looks for a complete part in the buffer. It reports ok when a part was
// consumed; frame is nil if that part held no image.
func (p *Parser) scan() (frame []byte, ok bool) {
	if p.partStart == -1 {
		i := bytes.Index(p.buf, p.delim)
		if i == -1 {
			// Keep a tail that may hold the first bytes of a split delimiter.
			if keep := len(p.delim) - 1; len(p.buf) > keep {
				p.compact(len(p.buf) - keep)
			}
			return nil, false
		}
		p.compact(i)
		p.partStart = len(p.delim)
		p.scanFrom = p.partStart
	}

	j := bytes.Index(p.buf[p.scanFrom:], p.delim)
	if j == -1 {
		if next := len(p.buf) - len(p.delim) + 1; next > p.scanFrom {
			p.scanFrom = next
		}
		if frame, n := completePart(p.buf[p.partStart:]); frame != nil {
			// Resynchronize on the next delimiter.
			p.compact(p.partStart + n)
			p.partStart = -1
			p.scanFrom = 0
			return frame, true
		}
		return nil, false
	}
	end := p.scanFrom + j

	frame = extractJPEG(p.buf[p.partStart:end])

	// The closing delimiter opens the next part.
	p.compact(end)
	p.partStart = len(p.delim)
	p.scanFrom = p.partStart
	return frame, true
}

// drain returns the image of the part left in the buffer once the reader has
// ended, then end on every later call.
func (p *Parser) drain(end error) ([]byte, error) {
	if p.partStart != -1 {
		frame := extractJPEG(p.buf[p.partStart:])
		p.reset()
		if frame != nil {
			return frame, nil
		}
	}
	p.reset()
	return nil, end
}

// fill appends one read to the buffer and records how the reader ended.
func (p *Parser) fill() {
	n, err := p.r.Read(p.chunk)
	if n > 0 {
		p.buf = append(p.buf, p.chunk[:n]...)
	}
	switch {
	case errors.Is(err, io.EOF):
		p.eof = true
	case err != nil:
		p.err = &TransportError{Op: "read stream", Err: err}
	}
}

// completePart reports the image of a part whose closing delimiter has not
// arrived yet, together with the number of bytes it spans. It returns nil
// while the part may still be growing.
func completePart(part []byte) ([]byte, int) {
	headers := part[:min(len(part), maxPartHeader)]
	if hdrEnd := bytes.Index(headers, headerTerminator); hdrEnd != -1 {
		if length, ok := contentLength(part[:hdrEnd]); ok {
			start := hdrEnd + len(headerTerminator)
			if len(part)-start < length {
				return nil, 0
			}
			if frame := extractJPEG(part[start : start+length]); frame != nil {
				return frame, start + length
			}
			// Length and markers disagree; wait for the delimiter.
			return nil, 0
		}
	}

	body := bytes.TrimRight(part, "\r\n")
	if len(part)-len(body) < 2 || !bytes.HasSuffix(body, jpegEOI) {
		return nil, 0
	}
	if frame := extractJPEG(body); frame != nil {
		return frame, len(part)
	}
	return nil, 0
}

var headerTerminator = []byte("\r\n\r\n")

// contentLength finds a Content-Length header among the part headers.
func contentLength(headers []byte) (int, bool) {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !strings.EqualFold(string(bytes.TrimSpace(name)), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// compact drops the first n bytes of the buffer, reusing its storage.
func (p *Parser) compact(n int) {
	if n <= 0 {
		return
	}
	remaining := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:remaining]
}

func (p *Parser) reset() {
	p.buf = p.buf[:0]
	p.partStart = -1
	p.scanFrom = 0
}

// BoundaryFromContentType extracts the multipart boundary token from a
// Content-Type header value such as
// "multipart/x-mixed-replace; boundary=frame".
func BoundaryFromContentType(contentType string) (string, error) {
	if contentType == "" {
		return "", &ProtocolError{Op: "read content type", Err: ErrNoBoundary}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if !strings.HasPrefix(mediaType, "multipart/") {
			return "", &ProtocolError{Op: "read content type " + mediaType, Err: ErrNoBoundary}
		}
		if b := strings.TrimPrefix(params["boundary"], "--"); b != "" {
			return b, nil
		}
		return "", &ProtocolError{Op: "read content type", Err: ErrNoBoundary}
	}

	// Some cameras send headers mime rejects; fall back to a plain search.
	lower := strings.ToLower(contentType)
	if !strings.HasPrefix(strings.TrimSpace(lower), "multipart/") {
		return "", &ProtocolError{Op: "read content type", Err: ErrNoBoundary}
	}
	i := strings.Index(lower, "boundary=")
	if i == -1 {
		return "", &ProtocolError{Op: "read content type", Err: ErrNoBoundary}
	}
	b := contentType[i+len("boundary="):]
	if semi := strings.IndexByte(b, ';'); semi != -1 {
		b = b[:semi]
	}
	b = strings.TrimPrefix(strings.Trim(strings.TrimSpace(b), `"`), "--")
	if b == "" {
		return "", &ProtocolError{Op: "read content type", Err: ErrNoBoundary}
	}
	return b, nil
}
