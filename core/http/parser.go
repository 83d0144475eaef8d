package http

import (
	"bytes"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// Parse advances r against buf, which must hold everything received for this
// request so far. It is re-entrant: after Underflow, call it again with the
// same bytes plus whatever arrived since and it resumes where it stopped.
// The state only moves forward.
func (r *Request) Parse(buf []byte) Result {
	switch r.state {
	case StateInit:
		if res := r.parseRequestLine(buf); res != Complete {
			return res
		}
		r.state = StateHeaders
		fallthrough

	case StateHeaders:
		if res := r.parseHeaders(buf); res != Complete {
			return res
		}
		if res := r.parseContentLength(buf); res != Complete {
			return res
		}
		r.body = Span{Off: r.cursor}
		r.state = StateBody
		fallthrough

	case StateBody:
		if r.contentLength > 0 {
			if len(buf)-r.body.Off < r.contentLength {
				return Underflow
			}
			r.body.Len = r.contentLength
		}
		r.keepAlive = r.negotiateKeepAlive(buf)
		r.state = StateComplete
		return Complete

	case StateComplete:
		return Complete
	}
	return Malformed
}

// nextLine returns the line starting at the cursor without its terminator,
// and the offset just past the terminator
func (r *Request) nextLine(buf []byte) (line Span, next int, ok bool) {
	idx := bytes.IndexByte(buf[r.cursor:], '\n')
	if idx < 0 {
		return Span{}, 0, false
	}
	end := r.cursor + idx
	next = end + 1
	if end > r.cursor && buf[end-1] == '\r' {
		end--
	}
	return Span{Off: r.cursor, Len: end - r.cursor}, next, true
}

// parseRequestLine handles "METHOD SP target SP VERSION"
func (r *Request) parseRequestLine(buf []byte) Result {
	line, next, ok := r.nextLine(buf)
	if !ok {
		return Underflow
	}
	data := line.Bytes(buf)

	sp1 := bytes.IndexByte(data, ' ')
	if sp1 <= 0 {
		return Malformed
	}
	sp2 := bytes.IndexByte(data[sp1+1:], ' ')
	if sp2 <= 0 {
		return Malformed
	}
	sp2 += sp1 + 1

	r.method = ParseMethod(data[:sp1])
	if r.method == MethodUnknown {
		return Malformed
	}
	r.version = ParseVersion(trimSpace(data[sp2+1:]))
	if r.version == VersionUnknown {
		return Malformed
	}
	r.target = Span{Off: line.Off + sp1 + 1, Len: sp2 - sp1 - 1}
	r.cursor = next
	return Complete
}

// parseHeaders consumes header lines up to and including the blank line
func (r *Request) parseHeaders(buf []byte) Result {
	for {
		line, next, ok := r.nextLine(buf)
		if !ok {
			return Underflow
		}
		if line.Len == 0 {
			r.cursor = next
			return Complete
		}
		if r.numHeaders == MaxHeaders {
			return Malformed
		}

		data := line.Bytes(buf)
		colon := bytes.IndexByte(data, ':')
		if colon < 0 {
			return Malformed
		}
		key := trimSpan(buf, Span{Off: line.Off, Len: colon})
		val := trimSpan(buf, Span{Off: line.Off + colon + 1, Len: line.Len - colon - 1})
		if !httpguts.ValidHeaderFieldName(string(key.Bytes(buf))) {
			return Malformed
		}

		r.headers[r.numHeaders] = Header{Key: key, Value: val}
		r.numHeaders++
		r.cursor = next
	}
}

func (r *Request) parseContentLength(buf []byte) Result {
	seen := false
	for _, h := range r.Headers() {
		if !bytes.EqualFold(h.Key.Bytes(buf), []byte("Content-Length")) {
			continue
		}
		n, err := strconv.ParseUint(string(h.Value.Bytes(buf)), 10, 63)
		if err != nil || n > MaxBody {
			return Malformed
		}
		if seen && int(n) != r.contentLength {
			return Malformed
		}
		seen = true
		r.contentLength = int(n)
	}
	return Complete
}

// negotiateKeepAlive applies the Connection header to the version default
func (r *Request) negotiateKeepAlive(buf []byte) bool {
	conn := r.HeaderValues(buf, "Connection")
	switch r.version {
	case Version11:
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	case Version10:
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && isSpace(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && isSpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func trimSpan(buf []byte, s Span) Span {
	for s.Len > 0 && isSpace(buf[s.Off]) {
		s.Off++
		s.Len--
	}
	for s.Len > 0 && isSpace(buf[s.Off+s.Len-1]) {
		s.Len--
	}
	return s
}
