package pools

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage; 0 keeps the
	// runtime's setting
	GOGC int

	// MemoryLimitRatio is the share of the container or host memory used as
	// the soft memory limit; 0 leaves the limit alone
	MemoryLimitRatio float64
}

// DefaultGCConfig returns settings for a buffer-heavy server
func DefaultGCConfig() GCConfig {
	return GCConfig{
		GOGC:             200,
		MemoryLimitRatio: 0.9,
	}
}

// ApplyGCConfig applies cfg and returns the memory limit that was set, or 0
// when no limit was applied. The limit comes from the cgroup when there is
// one and from total system memory otherwise.
func ApplyGCConfig(cfg GCConfig) (int64, error) {
	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimitRatio <= 0 {
		return 0, nil
	}

	return memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(
			memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem),
		),
	)
}

// RuntimeStats is a point-in-time view of the collector and heap
type RuntimeStats struct {
	NumGC       uint32
	PauseTotal  time.Duration
	HeapAlloc   uint64
	Sys         uint64
	MemoryLimit int64
	Goroutines  int
}

// ReadRuntimeStats stops the world briefly to read memory statistics
func ReadRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return RuntimeStats{
		NumGC:       ms.NumGC,
		PauseTotal:  time.Duration(ms.PauseTotalNs),
		HeapAlloc:   ms.HeapAlloc,
		Sys:         ms.Sys,
		MemoryLimit: debug.SetMemoryLimit(-1),
		Goroutines:  runtime.NumGoroutine(),
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler
func (s RuntimeStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint32("num_gc", s.NumGC).
		Dur("gc_pause", s.PauseTotal).
		Uint64("heap_alloc", s.HeapAlloc).
		Uint64("sys", s.Sys).
		Int64("mem_limit", s.MemoryLimit).
		Int("goroutines", s.Goroutines)
}
