// Package observability keeps per-route request metrics that the status
// protocol reports.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBounds are the upper edges of the latency buckets; the last bucket
// is unbounded
var LatencyBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// NumBuckets is the number of latency buckets
const NumBuckets = len(LatencyBounds) + 1

// PerformanceMonitor aggregates request outcomes per route. All methods are
// safe for concurrent use by worker threads.
type PerformanceMonitor struct {
	handlers sync.Map // route name -> *HandlerMetrics
	total    atomic.Uint64
}

// HandlerMetrics stores per-route counters
type HandlerMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [NumBuckets]atomic.Uint64
}

// RouteStats is a copy of one route's counters
type RouteStats struct {
	Name    string
	Count   uint64
	Errors  uint64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets [NumBuckets]uint64
}

// Mean returns the average latency
func (s RouteStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Bottleneck flags a route whose latency or error rate looks unhealthy
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Details  string
}

// NewPerformanceMonitor creates an empty monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// RecordRequest records one served request
func (pm *PerformanceMonitor) RecordRequest(route string, duration time.Duration, isError bool) {
	val, ok := pm.handlers.Load(route)
	if !ok {
		val, _ = pm.handlers.LoadOrStore(route, &HandlerMetrics{Name: route})
	}
	m := val.(*HandlerMetrics)

	m.Count.Add(1)
	if isError {
		m.Errors.Add(1)
	}

	d := uint64(duration.Nanoseconds())
	m.TotalDuration.Add(d)
	updateMinMax(m, d)
	m.latencyBuckets[bucketFor(duration)].Add(1)

	pm.total.Add(1)
}

// Total returns the number of requests recorded across routes
func (pm *PerformanceMonitor) Total() uint64 {
	return pm.total.Load()
}

func updateMinMax(m *HandlerMetrics, d uint64) {
	for {
		cur := m.MinDuration.Load()
		if cur != 0 && d >= cur {
			break
		}
		if m.MinDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := m.MaxDuration.Load()
		if d <= cur {
			break
		}
		if m.MaxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(d time.Duration) int {
	for i, bound := range LatencyBounds {
		if d < bound {
			return i
		}
	}
	return NumBuckets - 1
}

// Snapshot copies every route's counters, sorted by route name
func (pm *PerformanceMonitor) Snapshot() []RouteStats {
	var out []RouteStats
	pm.handlers.Range(func(_, value any) bool {
		m := value.(*HandlerMetrics)
		s := RouteStats{
			Name:   m.Name,
			Count:  m.Count.Load(),
			Errors: m.Errors.Load(),
			Total:  time.Duration(m.TotalDuration.Load()),
			Min:    time.Duration(m.MinDuration.Load()),
			Max:    time.Duration(m.MaxDuration.Load()),
		}
		for i := range s.Buckets {
			s.Buckets[i] = m.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bottlenecks inspects the current counters for slow or failing routes
func (pm *PerformanceMonitor) Bottlenecks() []Bottleneck {
	var found []Bottleneck
	for _, s := range pm.Snapshot() {
		if s.Count == 0 {
			continue
		}

		if avg := s.Mean(); avg > 100*time.Millisecond {
			found = append(found, Bottleneck{
				Type:     "latency",
				Location: s.Name,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		rate := float64(s.Errors) / float64(s.Count)
		if s.Errors > 0 && rate > 0.05 {
			found = append(found, Bottleneck{
				Type:     "errors",
				Location: s.Name,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return found
}
