package core

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/cask-server/core/poller"
	"github.com/searchktools/cask-server/core/reactor"
)

// Worker owns one listening socket, one reactor and every connection it
// accepts. Apart from the counters read by Status, its state is only
// touched by its own thread.
type Worker struct {
	id      uint64
	srv     *Server
	sock    int
	reactor *reactor.Reactor
	accept  *reactor.Event
	retry   *reactor.Timer
	conns   map[*Connection]struct{}
	log     zerolog.Logger

	// acceptLog is sampled so a full descriptor table does not flood the log
	acceptLog zerolog.Logger

	numConns atomic.Int64
	running  atomic.Bool
	done     chan struct{}
	err      error
}

func newWorker(s *Server, id uint64, sock int) (*Worker, error) {
	log := s.log.With().Uint64("worker", id).Logger()
	r, err := reactor.New(
		reactor.WithWaitTimeout(s.opts.WaitTimeout),
		reactor.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:      id,
		srv:     s,
		sock:    sock,
		reactor: r,
		conns:   make(map[*Connection]struct{}),
		log:     log,
		done:    make(chan struct{}),

		acceptLog: log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Second}),
	}
	w.accept = reactor.NewEvent(sock, poller.Readable|poller.EdgeTriggered, w.onAccept)
	w.retry = reactor.NewTimer(AcceptRetryDelay, reactor.Oneshot, func() {
		w.onAccept(sock, poller.ReadReady)
	})
	if err := r.Register(w.accept); err != nil {
		r.Close()
		return nil, err
	}
	return w, nil
}

// ID returns the worker's registry id
func (w *Worker) ID() uint64 {
	return w.id
}

// Status reports the externally visible counters
func (w *Worker) Status() WorkerStatus {
	n := w.numConns.Load()
	if n < 0 {
		n = 0
	}
	return WorkerStatus{ID: w.id, Running: w.running.Load(), Conns: uint64(n)}
}

// Done is closed once the worker thread has exited and cleaned up
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the reactor failure that stopped the worker, if any
func (w *Worker) Err() error {
	<-w.done
	return w.err
}

func (w *Worker) start() {
	w.running.Store(true)
	go w.run()
}

// run is the worker thread
func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.log.Info().Msg("worker started")
	for w.running.Load() {
		if err := w.reactor.RunOnce(); err != nil {
			w.log.Error().Err(err).Msg("reactor failed")
			w.err = err
			break
		}
	}
	w.running.Store(false)
	w.destroy()
	close(w.done)
}

// Shutdown stops the worker and waits for its thread to exit
func (w *Worker) Shutdown() {
	w.running.Store(false)
	<-w.done
}

// destroy runs on the worker thread after the loop exits
func (w *Worker) destroy() {
	w.log.Debug().Int("conns", len(w.conns)).Msg("worker preparing shutdown")
	for c := range w.conns {
		c.close()
	}
	w.discard()
	w.srv.removeWorker(w)
	w.log.Info().Msg("worker stopped")
}

// discard releases the socket and reactor of a worker that is not running
func (w *Worker) discard() {
	if w.retry.Active() {
		w.reactor.Cancel(w.retry)
	}
	if w.accept.Active() {
		if err := w.reactor.Unregister(w.accept); err != nil {
			w.log.Debug().Err(err).Msg("unregister listener")
		}
	}
	unix.Close(w.sock)
	w.reactor.Close()
}

// acceptFunc accepts one pending connection from a listening socket
var acceptFunc = acceptConn

// onAccept drains the accept queue. Readiness is edge-triggered, so when
// accept fails for lack of resources the drain is retried from a timer
// instead of waiting for the next connection to arrive.
func (w *Worker) onAccept(_ int, r poller.Readiness) {
	if r&poller.ReadReady == 0 {
		w.log.Warn().Uint32("events", uint32(r)).Msg("unexpected listener readiness")
		return
	}

	for {
		fd, err := acceptFunc(w.sock)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				w.acceptLog.Error().Err(err).Dur("retry", AcceptRetryDelay).Msg("accept")
				if !w.retry.Active() {
					if err := w.reactor.Schedule(w.retry); err != nil {
						w.log.Error().Err(err).Msg("schedule accept retry")
					}
				}
				return
			}
		}

		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		newConnection(w, fd)
	}
}

// listen creates a non-blocking listening socket bound with address and
// port reuse so every worker can share the same address
func listen(family int, sa unix.Sockaddr) (int, error) {
	fd, err := socket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
