package core

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/core/poller"
	"github.com/searchktools/cask-server/core/reactor"
)

// ConnState is the connection's position in the request cycle
type ConnState uint8

// Connection states. Closed and Error are terminal.
const (
	StateReading ConnState = iota
	StateWriting
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateReading:
		return "READING"
	case StateWriting:
		return "WRITING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Connection is one accepted socket. It is owned by its worker and only
// touched from that worker's thread.
//
// Any method that can close the connection must be the last thing its
// caller does with it.
type Connection struct {
	w     *Worker
	fd    int
	state ConnState

	// buf holds the request while reading and the encoded response while
	// writing
	buf       []byte
	written   int
	keepAlive bool

	event *reactor.Event
	timer *reactor.Timer
	req   http.Request
	ctx   Context

	closed bool
}

func newConnection(w *Worker, fd int) {
	c := &Connection{
		w:   w,
		fd:  fd,
		buf: w.srv.pool.Get(ReadChunk)[:0],
	}
	c.event = reactor.NewEvent(fd, poller.Readable|poller.EdgeTriggered, c.onIO)
	c.timer = reactor.NewTimer(w.srv.opts.IdleTimeout, reactor.Oneshot, c.onTimeout)

	w.conns[c] = struct{}{}
	w.numConns.Add(1)
	c.beginRead()
}

// State returns the current state
func (c *Connection) State() ConnState {
	return c.state
}

func (c *Connection) logger() *zerolog.Logger {
	return &c.w.log
}

// reset clears per-request state and rearms the idle timer. The buffer is
// left alone because beginSend needs the encoded response in it.
func (c *Connection) reset() error {
	r := c.w.reactor

	c.req.Reset()
	c.written = 0

	if c.timer.Active() {
		r.Cancel(c.timer)
	}
	if err := r.Schedule(c.timer); err != nil {
		return err
	}

	if c.event.Active() {
		if err := r.Unregister(c.event); err != nil {
			return err
		}
	}
	return nil
}

// beginRead enters READING with an empty buffer
func (c *Connection) beginRead() {
	if err := c.reset(); err != nil {
		c.logger().Debug().Err(err).Int("fd", c.fd).Msg("reset for reading")
		c.close()
		return
	}

	c.buf = c.buf[:0]
	c.keepAlive = false
	c.state = StateReading
	c.event.SetInterest(poller.Readable | poller.EdgeTriggered)
	if err := c.w.reactor.Register(c.event); err != nil {
		c.logger().Debug().Err(err).Int("fd", c.fd).Msg("register for reading")
		c.close()
	}
}

// beginSend enters WRITING; buf must hold the full response
func (c *Connection) beginSend() {
	if err := c.reset(); err != nil {
		c.logger().Debug().Err(err).Int("fd", c.fd).Msg("reset for sending")
		c.close()
		return
	}

	c.state = StateWriting
	c.event.SetInterest(poller.Writable | poller.EdgeTriggered)
	if err := c.w.reactor.Register(c.event); err != nil {
		c.logger().Debug().Err(err).Int("fd", c.fd).Msg("register for sending")
		c.close()
	}
}

func (c *Connection) onTimeout() {
	c.logger().Debug().Int("fd", c.fd).Stringer("state", c.state).Msg("idle timeout")
	c.close()
}

func (c *Connection) onIO(_ int, r poller.Readiness) {
	switch c.state {
	case StateReading:
		if r&poller.ReadReady != 0 {
			c.readData()
			return
		}
	case StateWriting:
		if r&poller.WriteReady != 0 {
			c.sendData()
			return
		}
	}
	if r&(poller.ErrorReady|poller.HangupReady) == 0 {
		c.logger().Debug().Int("fd", c.fd).Stringer("state", c.state).Msg("readiness does not match state")
	}
	c.close()
}

// readData drains the socket, then tries to parse a request
func (c *Connection) readData() {
	for {
		if len(c.buf) >= MaxRequestSize {
			c.logger().Debug().Err(ErrRequestTooLarge).Int("fd", c.fd).Msg("read")
			c.state = StateError
			c.close()
			return
		}
		c.grow(len(c.buf) + ReadChunk)

		n, err := unix.Read(c.fd, c.buf[len(c.buf):len(c.buf)+ReadChunk])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			c.logger().Debug().Err(err).Int("fd", c.fd).Msg("read")
			c.state = StateError
			c.close()
			return
		}
		if n == 0 {
			c.state = StateClosed
			c.close()
			return
		}
		c.buf = c.buf[:len(c.buf)+n]
	}

	switch c.req.Parse(c.buf) {
	case http.Complete:
		c.dispatch()
	case http.Malformed:
		c.logger().Debug().Int("fd", c.fd).Msg("malformed request")
		c.close()
	case http.Underflow:
		// wait for the next readiness edge
	}
}

// grow makes room for at least n bytes, swapping pooled buffers
func (c *Connection) grow(n int) {
	if n <= cap(c.buf) {
		return
	}
	size := 2 * cap(c.buf)
	if size < n {
		size = n
	}
	nb := c.w.srv.pool.Get(size)[:len(c.buf)]
	copy(nb, c.buf)
	c.w.srv.pool.Put(c.buf)
	c.buf = nb
}

// dispatch routes a complete request to its handler
func (c *Connection) dispatch() {
	srv := c.w.srv
	ctx := &c.ctx
	ctx.reset(c)

	route, ok := srv.routes.Lookup(c.req.Method(), c.req.Target().Bytes(c.buf))
	if !ok {
		ctx.Respond(http.StatusNotFound, nil)
		return
	}

	ctx.route = route.Name()
	route.Handler(ctx)
	if !ctx.responded {
		c.logger().Warn().Str("route", ctx.route).Msg("handler returned without a response")
		ctx.Respond(http.StatusInternalServerError, nil)
	}
}

// respond replaces the request bytes with an encoded response and starts
// sending. body may alias the request buffer.
func (c *Connection) respond(code int, body []byte) {
	srv := c.w.srv
	c.keepAlive = c.req.KeepAlive()

	out := srv.pool.Get(256 + len(body))[:0]
	out = http.AppendResponse(out, c.req.Version(), code, c.keepAlive, srv.opts.KeepAliveSeconds, body)
	srv.pool.Put(c.buf)
	c.buf = out

	c.beginSend()
}

// sendData drains the response to the socket in bounded chunks
func (c *Connection) sendData() {
	for {
		end := c.written + WriteChunk
		if end > len(c.buf) {
			end = len(c.buf)
		}

		n, err := unix.Write(c.fd, c.buf[c.written:end])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			c.logger().Debug().Err(err).Int("fd", c.fd).Msg("write")
			c.state = StateError
			c.close()
			return
		}

		c.written += n
		if c.written == len(c.buf) {
			if c.keepAlive {
				c.beginRead()
			} else {
				c.close()
			}
			return
		}
	}
}

// close releases everything the connection holds. It is idempotent.
func (c *Connection) close() {
	if c.closed {
		return
	}
	c.closed = true

	r := c.w.reactor
	if c.event.Active() {
		r.Unregister(c.event)
	}
	if c.timer.Active() {
		r.Cancel(c.timer)
	}
	unix.Close(c.fd)

	c.w.srv.pool.Put(c.buf)
	c.buf = nil
	delete(c.w.conns, c)
	c.w.numConns.Add(-1)
}
