package core

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/searchktools/cask-server/core/http"
)

// Context is the handler's view of one request. Slices it returns alias the
// connection buffer and are only valid until Respond is called.
type Context struct {
	conn     *Connection
	req      *http.Request
	buf      []byte
	route    string
	workerID uint64

	status    int
	responded bool
	recorded  []byte
}

func (ctx *Context) reset(c *Connection) {
	*ctx = Context{
		conn:     c,
		req:      &c.req,
		buf:      c.buf,
		workerID: c.w.id,
	}
}

func (ctx *Context) Method() http.Method   { return ctx.req.Method() }
func (ctx *Context) Version() http.Version { return ctx.req.Version() }
func (ctx *Context) KeepAlive() bool       { return ctx.req.KeepAlive() }

// Target returns the raw request target
func (ctx *Context) Target() []byte {
	return ctx.req.Target().Bytes(ctx.buf)
}

// Path returns a copy of the request target
func (ctx *Context) Path() string {
	return string(ctx.Target())
}

// Body returns the request body
func (ctx *Context) Body() []byte {
	return ctx.req.Body().Bytes(ctx.buf)
}

// Header returns the first value of a header, matched case-insensitively
func (ctx *Context) Header(key string) []byte {
	v, _ := ctx.req.Header(ctx.buf, key)
	return v
}

// Route names the matched route, empty when nothing matched
func (ctx *Context) Route() string {
	return ctx.route
}

// WorkerID identifies the worker serving the request
func (ctx *Context) WorkerID() uint64 {
	return ctx.workerID
}

// Status returns the code passed to Respond, or 0 before that
func (ctx *Context) Status() int {
	return ctx.status
}

// Responded reports whether Respond has been called
func (ctx *Context) Responded() bool {
	return ctx.responded
}

// Respond encodes the response and hands the connection over to sending.
// Unsupported codes are sent as 500. Only the first call has any effect.
func (ctx *Context) Respond(code int, body []byte) {
	if ctx.responded {
		return
	}
	if http.StatusText(code) == "" {
		code = http.StatusInternalServerError
	}
	ctx.status = code
	ctx.responded = true

	if ctx.conn == nil {
		ctx.recorded = append([]byte(nil), body...)
		return
	}
	ctx.conn.respond(code, body)
}

// RespondString is Respond with a string body
func (ctx *Context) RespondString(code int, body string) {
	ctx.Respond(code, []byte(body))
}

// ResponseBody returns the body recorded by a context from NewRecorderContext
func (ctx *Context) ResponseBody() []byte {
	return ctx.recorded
}

var errIncompleteRequest = errors.New("core: incomplete request")

// NewRecorderContext builds a detached Context for handler tests. The
// response is recorded instead of sent.
func NewRecorderContext(method http.Method, target string, body []byte, headers ...string) (*Context, error) {
	if len(headers)%2 != 0 {
		return nil, fmt.Errorf("core: odd header list")
	}

	raw := make([]byte, 0, 128+len(body))
	raw = append(raw, method.String()...)
	raw = append(raw, ' ')
	raw = append(raw, target...)
	raw = append(raw, " HTTP/1.1\r\n"...)
	for i := 0; i < len(headers); i += 2 {
		raw = append(raw, headers[i]...)
		raw = append(raw, ": "...)
		raw = append(raw, headers[i+1]...)
		raw = append(raw, "\r\n"...)
	}
	if len(body) > 0 {
		raw = append(raw, "Content-Length: "...)
		raw = strconv.AppendInt(raw, int64(len(body)), 10)
		raw = append(raw, "\r\n"...)
	}
	raw = append(raw, "\r\n"...)
	raw = append(raw, body...)

	req := &http.Request{}
	if res := req.Parse(raw); res != http.Complete {
		return nil, fmt.Errorf("%w: %s", errIncompleteRequest, res)
	}
	return &Context{req: req, buf: raw}, nil
}
