package middleware

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"github.com/searchktools/cask-server/core"
	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/core/observability"
)

func newCtx(t testing.TB) *core.Context {
	t.Helper()
	ctx, err := core.NewRecorderContext(http.MethodGet, "/item", nil)
	if err != nil {
		t.Fatalf("recorder context: %v", err)
	}
	return ctx
}

func TestPipelineOrder(t *testing.T) {
	pipeline := NewPipeline()

	order := []int{}
	mark := func(n int) Middleware {
		return func(next core.HandlerFunc) core.HandlerFunc {
			return func(ctx *core.Context) {
				order = append(order, n)
				next(ctx)
				order = append(order, -n)
			}
		}
	}

	pipeline.Use(mark(1)).Use(mark(2)).Use(mark(3))
	if pipeline.Len() != 3 {
		t.Fatalf("Expected 3 middlewares, got %d", pipeline.Len())
	}

	pipeline.Execute(newCtx(t), func(ctx *core.Context) {
		order = append(order, 0)
	})

	expected := []int{1, 2, 3, 0, -3, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("Expected %d executions, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("Expected order[%d] = %d, got %d", i, v, order[i])
		}
	}
}

func TestPipelineShortCircuit(t *testing.T) {
	pipeline := NewPipeline()
	pipeline.Use(func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx *core.Context) {
			ctx.RespondString(http.StatusBadRequest, "stop")
		}
	})

	finalExecuted := false
	ctx := newCtx(t)
	pipeline.Execute(ctx, func(ctx *core.Context) {
		finalExecuted = true
	})

	if finalExecuted {
		t.Error("Final handler should not run when a middleware responds")
	}
	if ctx.Status() != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", ctx.Status())
	}
}

func TestEmptyPipeline(t *testing.T) {
	ctx := newCtx(t)
	NewPipeline().Execute(ctx, func(ctx *core.Context) {
		ctx.RespondString(http.StatusOK, "ok")
	})
	if string(ctx.ResponseBody()) != "ok" {
		t.Errorf("Expected body ok, got %q", ctx.ResponseBody())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := NewPipeline().
		Use(Recovery(zerolog.New(&logs))).
		Then(func(ctx *core.Context) {
			panic("test panic")
		})

	ctx := newCtx(t)
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Panic should be recovered by Recovery middleware: %v", r)
			}
		}()
		h(ctx)
	}()

	if ctx.Status() != http.StatusInternalServerError {
		t.Errorf("Expected 500 after panic, got %d", ctx.Status())
	}
	if !bytes.Contains(logs.Bytes(), []byte("test panic")) {
		t.Errorf("Expected panic to be logged, got %s", logs.String())
	}
}

func TestRecoveryKeepsEarlierResponse(t *testing.T) {
	h := Recovery(zerolog.Nop())(func(ctx *core.Context) {
		ctx.RespondString(http.StatusOK, "partial")
		panic("late")
	})

	ctx := newCtx(t)
	h(ctx)
	if ctx.Status() != http.StatusOK {
		t.Errorf("Expected first response to stand, got %d", ctx.Status())
	}
}

func TestLoggerMiddleware(t *testing.T) {
	var logs bytes.Buffer
	log := zerolog.New(&logs).Level(zerolog.DebugLevel)

	h := Logger(log)(func(ctx *core.Context) {
		ctx.RespondString(http.StatusOK, "ok")
	})
	h(newCtx(t))

	out := logs.String()
	for _, want := range []string{`"method":"GET"`, `"path":"/item"`, `"status":200`} {
		if !bytes.Contains(logs.Bytes(), []byte(want)) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestLoggerSilentAboveDebug(t *testing.T) {
	var logs bytes.Buffer
	log := zerolog.New(&logs).Level(zerolog.InfoLevel)

	ran := false
	Logger(log)(func(ctx *core.Context) { ran = true })(newCtx(t))

	if !ran {
		t.Error("Handler should still run")
	}
	if logs.Len() != 0 {
		t.Errorf("Expected no output at info level, got %s", logs.String())
	}
}

func TestMetricsMiddleware(t *testing.T) {
	pm := observability.NewPerformanceMonitor()
	pipeline := NewPipeline().
		Use(Metrics(pm)).
		Use(Recovery(zerolog.Nop()))

	ok := pipeline.Then(func(ctx *core.Context) {
		ctx.RespondString(http.StatusOK, "ok")
	})
	boom := pipeline.Then(func(ctx *core.Context) {
		panic("boom")
	})

	ok(newCtx(t))
	ok(newCtx(t))
	boom(newCtx(t))

	snap := pm.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(snap))
	}
	if snap[0].Count != 3 {
		t.Errorf("Expected 3 requests, got %d", snap[0].Count)
	}
	if snap[0].Errors != 1 {
		t.Errorf("Expected 1 error, got %d", snap[0].Errors)
	}
}

func BenchmarkPipeline(b *testing.B) {
	pm := observability.NewPerformanceMonitor()
	h := NewPipeline().
		Use(Recovery(zerolog.Nop())).
		Use(Logger(zerolog.Nop())).
		Use(Metrics(pm)).
		Then(func(ctx *core.Context) {})

	ctx := newCtx(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h(ctx)
	}
}
