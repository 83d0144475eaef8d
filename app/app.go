// Package app wires the storage engine, the HTTP workers and the status
// socket into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/cask-server/config"
	"github.com/searchktools/cask-server/core"
	"github.com/searchktools/cask-server/core/filemap"
	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/core/middleware"
	"github.com/searchktools/cask-server/core/observability"
	"github.com/searchktools/cask-server/core/pools"
	"github.com/searchktools/cask-server/core/router"
	"github.com/searchktools/cask-server/ipc"
	"github.com/searchktools/cask-server/store"
)

// ShutdownTimeout bounds how long Serve waits for status clients on exit
const ShutdownTimeout = 5 * time.Second

// App is the application instance
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	srv     *core.Server
	db      *store.Store
	index   *filemap.File
	monitor *observability.PerformanceMonitor

	status   *ipc.Server
	statusLn *net.UnixListener
}

// New opens the store, maps the index page, registers routes and opens the
// status socket. Nothing is served until Start and Serve.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     log,
		monitor: observability.NewPerformanceMonitor(),
	}
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open() error {
	cfg := a.cfg

	db, err := store.Open(cfg.DBPath,
		store.WithBuckets(cfg.Buckets),
		store.WithSyncWrites(cfg.SyncWrites),
		store.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.db = db

	index, err := filemap.Map(cfg.IndexPath)
	if err != nil {
		// the placeholder page is served instead
		a.log.Warn().Err(err).Msg("index page not mapped")
	} else {
		a.index = index
	}

	a.srv = core.NewServer(core.Options{
		Host:        cfg.Host,
		Port:        cfg.Port,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      a.log,
	})
	a.routes()

	ln, err := listenStatus(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("status socket %s: %w", cfg.SocketPath, err)
	}
	a.statusLn = ln
	a.status = ipc.NewServer(ipc.StatusFunc(a.Status), ipc.WithLogger(a.log))
	return nil
}

func (a *App) routes() {
	h := &handlers{
		db:  a.db,
		log: a.log,
	}
	if a.index != nil {
		h.index = a.index.Bytes()
	}

	p := middleware.NewPipeline().
		Use(middleware.Recovery(a.log)).
		Use(middleware.Logger(a.log)).
		Use(middleware.Metrics(a.monitor))

	a.srv.Handle(http.MethodGet, router.Exact, "/", p.Then(h.Index))
	a.srv.Handle(http.MethodGet, router.Prefix, "/", p.Then(h.Get))
	a.srv.Handle(http.MethodPost, router.Exact, "/", p.Then(h.Post))
}

// listenStatus binds the status socket, replacing a stale socket file that
// nothing is listening on
func listenStatus(path string) (*net.UnixListener, error) {
	ln, err := ipc.Listen(path)
	if err == nil || !errors.Is(err, syscall.EADDRINUSE) {
		return ln, err
	}

	if c, derr := net.DialTimeout("unix", path, time.Second); derr == nil {
		c.Close()
		return nil, err
	}
	if fi, serr := os.Lstat(path); serr != nil || fi.Mode()&os.ModeSocket == 0 {
		return nil, err
	}
	if rerr := os.Remove(path); rerr != nil {
		return nil, err
	}
	return ipc.Listen(path)
}

// Start launches the configured number of workers
func (a *App) Start() error {
	if err := a.srv.Start(a.cfg.Workers); err != nil {
		return err
	}
	a.log.Info().
		Str("addr", a.srv.Addr()).
		Int("workers", a.cfg.Workers).
		Str("db", a.cfg.DBPath).
		Str("socket", a.cfg.SocketPath).
		Msg("cask server started")
	return nil
}

// Serve answers status requests until ctx ends or the status server fails
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.status.Serve(a.statusLn); err != nil && !errors.Is(err, ipc.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return a.status.Shutdown(sctx)
	})

	return g.Wait()
}

// Run starts the workers and serves until SIGINT or SIGTERM, then shuts
// everything down
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := a.Serve(ctx)
	a.logSummary()
	return err
}

// logSummary reports process totals and any unhealthy routes
func (a *App) logSummary() {
	a.log.Info().
		Dur("uptime", a.srv.Uptime()).
		Uint64("requests", a.monitor.Total()).
		Object("buffers", a.srv.BufferStats()).
		Object("runtime", pools.ReadRuntimeStats()).
		Msg("shutting down")
	for _, b := range a.monitor.Bottlenecks() {
		a.log.Warn().
			Str("kind", b.Type).
			Str("route", b.Location).
			Int("severity", b.Severity).
			Msg(b.Details)
	}
}

// Close stops the workers and releases the store, the index mapping and
// the status socket. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error

	if a.srv != nil {
		a.srv.Shutdown()
	}
	if a.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		errs = append(errs, a.status.Shutdown(ctx))
		cancel()
		a.status = nil
	}
	if a.statusLn != nil {
		// closed by the status server when it ran; this covers the case
		// where it never did
		a.statusLn.Close()
		a.statusLn = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}

	return errors.Join(errs...)
}

// Addr returns the HTTP listen address once started
func (a *App) Addr() string {
	return a.srv.Addr()
}

// SocketPath returns the status socket path
func (a *App) SocketPath() string {
	return a.cfg.SocketPath
}

// Monitor returns the per-route metrics
func (a *App) Monitor() *observability.PerformanceMonitor {
	return a.monitor
}

// Status reports uptime, workers, storage and route metrics
func (a *App) Status() ipc.Snapshot {
	snap := ipc.Snapshot{
		Uptime: a.srv.Uptime(),
		NextID: a.db.NextID(),
	}
	for _, w := range a.srv.Workers() {
		snap.Workers = append(snap.Workers, ipc.WorkerStatus{
			ID:      w.ID,
			Running: w.Running,
			Conns:   w.Conns,
		})
	}
	for _, r := range a.monitor.Snapshot() {
		snap.Routes = append(snap.Routes, ipc.RouteStats{
			Name:   r.Name,
			Count:  r.Count,
			Errors: r.Errors,
			Total:  r.Total,
			Min:    r.Min,
			Max:    r.Max,

			Latency: append([]uint64(nil), r.Buckets[:]...),
		})
	}
	return snap
}
