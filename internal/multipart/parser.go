// Package multipart reassembles JSON payloads from a multipart/mixed HTTP
// body that arrives in arbitrarily sized chunks.
//
// The framing is the one used by GraphQL servers for incremental delivery:
//
//	\r\n--BOUNDARY\r\nContent-Type: application/json\r\n\r\n<json>
//	\r\n--BOUNDARY\r\n...
//	\r\n--BOUNDARY--
//
// A part is only emitted once the delimiter that follows it has been seen,
// so a chunk may split a delimiter, a header block, a JSON body or a
// multi-byte character without affecting the result.
package multipart

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// DefaultBoundary is used when the Content-Type carries no boundary.
const DefaultBoundary = "-"

// ErrInvalidPart is reported to drop handlers for parts whose body is not JSON.
var ErrInvalidPart = errors.New("multipart: part body is not valid JSON")

var headerSeparator = []byte("\r\n\r\n")

// Boundary extracts the boundary parameter from a Content-Type header value.
func Boundary(contentType string) string {
	for _, p := range strings.Split(contentType, ";") {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "boundary") {
			continue
		}
		_, v, ok := strings.Cut(p, "=")
		if !ok {
			return DefaultBoundary
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		if v == "" {
			return DefaultBoundary
		}
		return v
	}
	return DefaultBoundary
}

// IsMultipart reports whether contentType announces a multipart/mixed body.
func IsMultipart(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "multipart/mixed")
}

// Parser is a stateful multipart/mixed parser. It is not safe for
// concurrent use; one parser serves one response body.
type Parser struct {
	onNext func([]json.RawMessage)
	onDrop func(raw []byte, err error)

	delimiter  []byte
	buf        []byte
	scanFrom   int
	inPreamble bool
	// atDelimiter is set while buf starts with a delimiter that may still
	// turn out to be the closing one.
	atDelimiter bool
	closed      bool
	dropped     int
}

// Option configures a Parser.
type Option func(*Parser)

// WithDropHandler is called for every part that is skipped because its body
// does not parse.
func WithDropHandler(fn func(raw []byte, err error)) Option {
	return func(p *Parser) { p.onDrop = fn }
}

// New returns a parser for boundary that delivers completed parts to onNext,
// one batch per Write that completes at least one part.
func New(boundary string, onNext func([]json.RawMessage), opts ...Option) *Parser {
	if boundary == "" {
		boundary = DefaultBoundary
	}
	p := &Parser{
		onNext:     onNext,
		delimiter:  []byte("\r\n--" + boundary),
		inPreamble: true,
	}
	// The first delimiter may open the body without a leading CRLF.
	p.buf = append(p.buf, '\r', '\n')
	for _, f := range opts {
		f(p)
	}
	return p
}

// Write appends a chunk of the body and emits every part it completes.
// It never fails; malformed parts are dropped.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.closed {
		return len(chunk), nil
	}
	p.buf = append(p.buf, chunk...)
	parts := p.drain()
	if len(parts) > 0 && p.onNext != nil {
		p.onNext(parts)
	}
	return len(chunk), nil
}

// Dropped returns how many parts were skipped so far.
func (p *Parser) Dropped() int { return p.dropped }

// Closed reports whether the closing delimiter has been consumed.
func (p *Parser) Closed() bool { return p.closed }

// Buffered returns the number of bytes waiting for a delimiter.
func (p *Parser) Buffered() int { return len(p.buf) }

func (p *Parser) drain() []json.RawMessage {
	var parts []json.RawMessage
	for !p.closed {
		if p.atDelimiter {
			if len(p.buf) < len(p.delimiter)+2 {
				return parts
			}
			p.atDelimiter = false
			if p.consumeDelimiter(p.buf[len(p.delimiter):]) {
				return parts
			}
			continue
		}
		idx := bytes.Index(p.buf[p.scanFrom:], p.delimiter)
		if idx < 0 {
			// Only the tail can still hold the start of a delimiter.
			if tail := len(p.buf) - len(p.delimiter) + 1; tail > p.scanFrom {
				p.scanFrom = tail
			}
			if p.inPreamble && p.scanFrom > 0 {
				p.buf = append(p.buf[:0], p.buf[p.scanFrom:]...)
				p.scanFrom = 0
			}
			return parts
		}
		idx += p.scanFrom
		region := p.buf[:idx]
		rest := p.buf[idx+len(p.delimiter):]

		if p.inPreamble {
			p.inPreamble = false
		} else if part, ok := p.parsePart(region); ok {
			parts = append(parts, part)
		}

		if len(rest) < 2 {
			// Too short to tell a part delimiter from the closing one.
			p.buf = append(p.buf[:0:0], p.buf[idx:]...)
			p.scanFrom = 0
			p.atDelimiter = true
			return parts
		}
		if p.consumeDelimiter(rest) {
			return parts
		}
	}
	return parts
}

// consumeDelimiter continues after a delimiter with rest. It reports
// whether rest marks the closing delimiter.
func (p *Parser) consumeDelimiter(rest []byte) bool {
	p.scanFrom = 0
	if bytes.HasPrefix(rest, []byte("--")) {
		p.closed = true
		p.buf = nil
		return true
	}
	p.buf = append(p.buf[:0:0], rest...)
	return false
}

func (p *Parser) parsePart(region []byte) (json.RawMessage, bool) {
	body := region
	if i := bytes.Index(region, headerSeparator); i >= 0 {
		body = region[i+len(headerSeparator):]
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false
	}
	if !json.Valid(body) {
		p.dropped++
		if p.onDrop != nil {
			p.onDrop(append([]byte(nil), body...), ErrInvalidPart)
		}
		return nil, false
	}
	return append(json.RawMessage(nil), body...), true
}
