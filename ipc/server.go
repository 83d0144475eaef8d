package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each read and write on a monitor connection
const DefaultTimeout = 5 * time.Second

var ErrServerClosed = errors.New("ipc: server closed")

// StatusSource provides the snapshot served to monitors
type StatusSource interface {
	Snapshot() Snapshot
}

// StatusFunc adapts a function to StatusSource
type StatusFunc func() Snapshot

func (f StatusFunc) Snapshot() Snapshot { return f() }

// Server answers status requests. A connection may carry any number of
// requests; a short or unknown request closes it without a reply.
type Server struct {
	src     StatusSource
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// Option configures a server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTimeout sets the per-request I/O deadline
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a server reporting src
func NewServer(src StatusSource, opts ...Option) *Server {
	s := &Server{
		src:     src,
		log:     zerolog.Nop(),
		timeout: DefaultTimeout,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen opens a unix stream socket at path. The socket file is removed
// when the listener closes.
func Listen(path string) (*net.UnixListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return ln, nil
}

// Serve accepts monitor connections until Shutdown. It returns nil after
// Shutdown and the accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("status socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if !s.trackConn(conn, true) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// trackConn reports false once shutdown has started
func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.conns, conn)
	}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.trackConn(conn, false)
		s.wg.Done()
	}()

	buf := make([]byte, RequestSize)
	for {
		conn.SetDeadline(time.Now().Add(s.timeout))

		if _, err := io.ReadFull(conn, buf); err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("status request dropped")
			}
			return
		}

		req := DecodeRequest(buf)
		reply, ok := s.reply(req)
		if !ok {
			s.log.Debug().Uint32("command", req.Command).Msg("unknown status command")
			return
		}
		if _, err := conn.Write(reply); err != nil {
			s.log.Debug().Err(err).Msg("status reply")
			return
		}
	}
}

func (s *Server) reply(req Request) ([]byte, bool) {
	switch req.Command {
	case CmdStatus:
		out := binary.LittleEndian.AppendUint32(nil, CmdStatus)
		return AppendStatus(out, s.src.Snapshot()), true
	case CmdStatusWire:
		body := MarshalWire(s.src.Snapshot())
		out := make([]byte, 0, 8+len(body))
		out = binary.LittleEndian.AppendUint32(out, CmdStatusWire)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
		return append(out, body...), true
	default:
		return nil, false
	}
}

// Shutdown closes the listener and every open connection, then waits for
// connection handlers to return or ctx to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
