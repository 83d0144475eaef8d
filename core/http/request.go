package http

import "bytes"

// Parser limits
const (
	MaxHeaders = 32
	MaxBody    = 128 * 1024
)

// Method is a recognised request method
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methodNames = [...]string{
	MethodUnknown: "",
	MethodGet:     "GET",
	MethodHead:    "HEAD",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodConnect: "CONNECT",
	MethodOptions: "OPTIONS",
	MethodTrace:   "TRACE",
	MethodPatch:   "PATCH",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return ""
}

// ParseMethod returns MethodUnknown for anything outside the table
func ParseMethod(b []byte) Method {
	for i := MethodGet; i <= MethodPatch; i++ {
		if string(b) == methodNames[i] {
			return i
		}
	}
	return MethodUnknown
}

// Version is a supported protocol version
type Version uint8

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	default:
		return ""
	}
}

// ParseVersion accepts HTTP/1.0 and HTTP/1.1 only
func ParseVersion(b []byte) Version {
	switch string(b) {
	case "HTTP/1.0":
		return Version10
	case "HTTP/1.1":
		return Version11
	default:
		return VersionUnknown
	}
}

// State is the parser's progress through one request
type State uint8

const (
	StateInit State = iota
	StateHeaders
	StateBody
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHeaders:
		return "HEADERS"
	case StateBody:
		return "BODY"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one Parse call
type Result uint8

const (
	// Complete means a full request is buffered
	Complete Result = iota
	// Malformed means the bytes can never form a valid request
	Malformed
	// Underflow means more bytes are needed
	Underflow
)

func (r Result) String() string {
	switch r {
	case Complete:
		return "COMPLETE"
	case Malformed:
		return "MALFORMED"
	case Underflow:
		return "UNDERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Span is a byte range in the connection buffer
type Span struct {
	Off int
	Len int
}

// Bytes returns the bytes covered by s. The result aliases buf.
func (s Span) Bytes(buf []byte) []byte {
	if s.Len == 0 || s.Off+s.Len > len(buf) {
		return nil
	}
	return buf[s.Off : s.Off+s.Len]
}

// Header is a key/value pair of spans
type Header struct {
	Key   Span
	Value Span
}

// Request holds the parse state and offsets of one request. Offsets are only
// valid against the buffer that was parsed and become stale once that
// buffer is cleared.
type Request struct {
	state  State
	cursor int

	method  Method
	version Version
	target  Span

	headers    [MaxHeaders]Header
	numHeaders int

	body          Span
	contentLength int
	keepAlive     bool
}

// Reset prepares r for the next request on the same connection
func (r *Request) Reset() {
	*r = Request{}
}

func (r *Request) State() State      { return r.state }
func (r *Request) Method() Method    { return r.method }
func (r *Request) Version() Version  { return r.version }
func (r *Request) Target() Span      { return r.target }
func (r *Request) Body() Span        { return r.body }
func (r *Request) KeepAlive() bool   { return r.keepAlive }
func (r *Request) Headers() []Header { return r.headers[:r.numHeaders] }

// Consumed returns how many bytes of the buffer belong to this request
func (r *Request) Consumed() int {
	if r.state != StateComplete {
		return r.cursor
	}
	return r.body.Off + r.body.Len
}

// Header returns the value of the first header whose key matches
// case-insensitively
func (r *Request) Header(buf []byte, key string) ([]byte, bool) {
	for _, h := range r.Headers() {
		if bytes.EqualFold(h.Key.Bytes(buf), []byte(key)) {
			return h.Value.Bytes(buf), true
		}
	}
	return nil, false
}

// HeaderValues returns every value of the headers matching key
func (r *Request) HeaderValues(buf []byte, key string) []string {
	var vals []string
	for _, h := range r.Headers() {
		if bytes.EqualFold(h.Key.Bytes(buf), []byte(key)) {
			vals = append(vals, string(h.Value.Bytes(buf)))
		}
	}
	return vals
}
