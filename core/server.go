package core

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/core/pools"
	"github.com/searchktools/cask-server/core/reactor"
	"github.com/searchktools/cask-server/core/router"
)

// HandlerFunc serves one request. It must call Context.Respond before
// returning, otherwise the client receives a 500.
type HandlerFunc func(ctx *Context)

// Options configures a Server
type Options struct {
	Host string
	Port string

	// IdleTimeout closes a connection that stays in one state this long
	IdleTimeout time.Duration
	// WaitTimeout bounds each reactor wait
	WaitTimeout time.Duration
	// KeepAliveSeconds is advertised in Keep-Alive response headers.
	// Defaults to IdleTimeout in whole seconds, at least one.
	KeepAliveSeconds int

	Logger zerolog.Logger
}

// Server holds the state shared by all workers: the listen address, the
// route table, the buffer pool and the worker registry.
type Server struct {
	opts      Options
	log       zerolog.Logger
	routes    *router.Table[HandlerFunc]
	pool      *pools.BytePool
	startedAt time.Time

	mu      sync.Mutex
	sa      unix.Sockaddr
	family  int
	port    int
	workers []*Worker
	nextID  uint64
	closed  bool
}

// NewServer creates a server with no workers
func NewServer(opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = reactor.DefaultWaitTimeout
	}
	if opts.KeepAliveSeconds <= 0 {
		opts.KeepAliveSeconds = max(1, int(opts.IdleTimeout/time.Second))
	}

	return &Server{
		opts:      opts,
		log:       opts.Logger,
		routes:    router.NewTable[HandlerFunc](),
		pool:      pools.NewBytePool(),
		startedAt: time.Now(),
	}
}

// Handle registers a route. Routes must be added before Start.
func (s *Server) Handle(method http.Method, match router.Match, path string, h HandlerFunc) {
	s.routes.Add(method, match, path, h)
}

// Routes returns the registered routes
func (s *Server) Routes() []router.Route[HandlerFunc] {
	return s.routes.Routes()
}

// Start launches n workers. Workers already started stay up if a later one
// fails.
func (s *Server) Start(n int) error {
	if n <= 0 {
		return ErrInvalidWorkers
	}
	for i := 0; i < n; i++ {
		if _, err := s.StartWorker(); err != nil {
			return err
		}
	}
	return nil
}

// StartWorker binds a new listening socket on the shared address and runs
// a worker on its own OS thread
func (s *Server) StartWorker() (*Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if s.sa == nil {
		if err := s.resolve(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	sock, err := listen(s.family, s.sa)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("core: listen on port %d: %w", s.port, err)
	}
	if s.port == 0 {
		// Ephemeral port: later workers must share the one the kernel chose
		if err := s.adoptPort(sock); err != nil {
			s.mu.Unlock()
			unix.Close(sock)
			return nil, err
		}
	}
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	w, err := newWorker(s, id, sock)
	if err != nil {
		unix.Close(sock)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.discard()
		return nil, ErrServerClosed
	}
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	w.start()
	return w, nil
}

// resolve turns Host and Port into a socket address. Caller holds mu.
func (s *Server) resolve() error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.opts.Host, s.opts.Port))
	if err != nil {
		return fmt.Errorf("core: resolve %q: %w", net.JoinHostPort(s.opts.Host, s.opts.Port), err)
	}

	s.port = addr.Port
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		s.sa, s.family = sa, unix.AF_INET
		return nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	s.sa, s.family = sa, unix.AF_INET6
	return nil
}

// adoptPort records the port the kernel bound sock to. Caller holds mu.
func (s *Server) adoptPort(sock int) error {
	bound, err := unix.Getsockname(sock)
	if err != nil {
		return fmt.Errorf("core: getsockname: %w", err)
	}
	switch sa := bound.(type) {
	case *unix.SockaddrInet4:
		s.port = sa.Port
		s.sa.(*unix.SockaddrInet4).Port = sa.Port
	case *unix.SockaddrInet6:
		s.port = sa.Port
		s.sa.(*unix.SockaddrInet6).Port = sa.Port
	}
	return nil
}

// Addr returns the listen address as host:port
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := s.opts.Port
	if s.sa != nil {
		port = strconv.Itoa(s.port)
	}
	return net.JoinHostPort(s.opts.Host, port)
}

// Shutdown stops every worker and waits for their threads to exit. Open
// connections are closed, not drained.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
}

// WorkerStatus is a point-in-time view of one worker
type WorkerStatus struct {
	ID      uint64
	Running bool
	Conns   uint64
}

// Workers reports every registered worker
func (s *Server) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status())
	}
	return out
}

// BufferStats reports connection buffer pool traffic
func (s *Server) BufferStats() pools.BytePoolStats {
	return s.pool.Stats()
}

// Uptime is the time since the server was created
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

func (s *Server) removeWorker(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, x := range s.workers {
		if x == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return
		}
	}
}
