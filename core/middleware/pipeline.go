package middleware

import (
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/cask-server/core"
	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/core/observability"
)

// Middleware wraps a handler
type Middleware func(next core.HandlerFunc) core.HandlerFunc

// Pipeline is an ordered middleware chain. The first middleware added is
// the outermost.
type Pipeline struct {
	handlers []Middleware
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]Middleware, 0, 8),
	}
}

// Use appends a middleware
func (p *Pipeline) Use(m Middleware) *Pipeline {
	p.handlers = append(p.handlers, m)
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.handlers)
}

// Then wraps final with every middleware, once, at route registration
func (p *Pipeline) Then(final core.HandlerFunc) core.HandlerFunc {
	h := final
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h = p.handlers[i](h)
	}
	return h
}

// Execute runs final through the pipeline
func (p *Pipeline) Execute(ctx *core.Context, final core.HandlerFunc) {
	p.Then(final)(ctx)
}

// Recovery turns a handler panic into a 500 response
func Recovery(log zerolog.Logger) Middleware {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx *core.Context) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Interface("panic", err).
						Str("route", ctx.Route()).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					if !ctx.Responded() {
						ctx.Respond(http.StatusInternalServerError, nil)
					}
				}
			}()
			next(ctx)
		}
	}
}

// Logger writes one debug line per request
func Logger(log zerolog.Logger) Middleware {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx *core.Context) {
			if log.GetLevel() > zerolog.DebugLevel {
				next(ctx)
				return
			}

			method := ctx.Method()
			path := ctx.Path()
			start := time.Now()
			next(ctx)

			log.Debug().
				Uint64("worker", ctx.WorkerID()).
				Stringer("method", method).
				Str("path", path).
				Int("status", ctx.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		}
	}
}

// Metrics records latency and server errors per route
func Metrics(pm *observability.PerformanceMonitor) Middleware {
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx *core.Context) {
			start := time.Now()
			next(ctx)
			pm.RecordRequest(ctx.Route(), time.Since(start), ctx.Status() >= http.StatusInternalServerError)
		}
	}
}
