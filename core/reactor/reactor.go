// Package reactor multiplexes readiness events and timers for a single
// worker thread.
//
// A Reactor is not safe for concurrent use. Callbacks run on the goroutine
// that calls RunOnce and must not block.
package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/cask-server/core/poller"
	"github.com/searchktools/cask-server/core/pqueue"
)

// Default limits for one loop iteration
const (
	DefaultWaitTimeout = 10 * time.Millisecond
	MaxEvents          = 64
)

var (
	ErrEventActive     = errors.New("reactor: event already registered")
	ErrEventInactive   = errors.New("reactor: event not registered")
	ErrTimerActive     = errors.New("reactor: timer already scheduled")
	ErrTimerInactive   = errors.New("reactor: timer not scheduled")
	ErrInvalidInterval = errors.New("reactor: repeating timer needs a positive interval")
	ErrClosed          = errors.New("reactor: closed")
)

// Callback receives the descriptor and the readiness reported for it
type Callback func(fd int, r poller.Readiness)

// Event is a registration of interest in a descriptor
type Event struct {
	fd       int
	interest poller.Interest
	callback Callback
	active   bool
}

// NewEvent creates an inactive event
func NewEvent(fd int, interest poller.Interest, cb Callback) *Event {
	return &Event{fd: fd, interest: interest, callback: cb}
}

// Active reports whether the event is registered
func (e *Event) Active() bool { return e.active }

// SetInterest changes the watched conditions. It takes effect on the next
// Register.
func (e *Event) SetInterest(interest poller.Interest) {
	e.interest = interest
}

// Mode selects whether a timer fires once or periodically
type Mode int

const (
	Oneshot Mode = iota
	Repeating
)

// Timer is a scheduled callback
type Timer struct {
	interval time.Duration
	mode     Mode
	callback func()
	active   bool
	entry    *pqueue.Entry[*Timer]
}

// NewTimer creates an inactive timer
func NewTimer(interval time.Duration, mode Mode, cb func()) *Timer {
	return &Timer{interval: interval, mode: mode, callback: cb}
}

func (t *Timer) Active() bool { return t.active }

// Option configures a Reactor
type Option func(*Reactor)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) {
		r.clock = now
	}
}

// WithWaitTimeout bounds how long RunOnce blocks waiting for readiness
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Reactor) {
		if d >= 0 {
			r.waitTimeout = d
		}
	}
}

// WithLogger sets the logger for loop diagnostics
func WithLogger(log zerolog.Logger) Option {
	return func(r *Reactor) {
		r.log = log
	}
}

// Reactor owns one OS multiplexer and one timer queue
type Reactor struct {
	poller poller.Poller
	events map[int]*Event
	timers *pqueue.Queue[*Timer]
	ready  []poller.Ready

	clock       func() time.Time
	base        time.Time
	waitTimeout time.Duration
	log         zerolog.Logger
	closed      bool
}

// New creates a reactor with its own multiplexer handle
func New(opts ...Option) (*Reactor, error) {
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}

	r := &Reactor{
		poller:      p,
		events:      make(map[int]*Event),
		timers:      pqueue.New[*Timer](),
		ready:       make([]poller.Ready, MaxEvents),
		clock:       time.Now,
		waitTimeout: DefaultWaitTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.base = r.clock()
	return r, nil
}

// now is the time since creation in nanoseconds
func (r *Reactor) now() int64 {
	return int64(r.clock().Sub(r.base))
}

// Register starts watching ev's descriptor
func (r *Reactor) Register(ev *Event) error {
	if r.closed {
		return ErrClosed
	}
	if ev.active {
		return ErrEventActive
	}
	if err := r.poller.Add(ev.fd, ev.interest); err != nil {
		return fmt.Errorf("reactor: register fd %d: %w", ev.fd, err)
	}
	ev.active = true
	r.events[ev.fd] = ev
	return nil
}

// Unregister stops watching ev's descriptor. An inactive event is left
// untouched and ErrEventInactive is returned.
func (r *Reactor) Unregister(ev *Event) error {
	if !ev.active {
		return ErrEventInactive
	}
	ev.active = false
	if r.events[ev.fd] == ev {
		delete(r.events, ev.fd)
	}
	if r.closed {
		return nil
	}
	if err := r.poller.Remove(ev.fd); err != nil {
		return fmt.Errorf("reactor: unregister fd %d: %w", ev.fd, err)
	}
	return nil
}

// Schedule arms t to fire after its interval
func (r *Reactor) Schedule(t *Timer) error {
	if t.active {
		return ErrTimerActive
	}
	if t.mode == Repeating && t.interval <= 0 {
		return ErrInvalidInterval
	}
	t.entry = r.timers.Push(r.now()+int64(t.interval), t)
	t.active = true
	return nil
}

// Cancel disarms t
func (r *Reactor) Cancel(t *Timer) error {
	if !t.active {
		return ErrTimerInactive
	}
	r.timers.Remove(t.entry)
	t.entry = nil
	t.active = false
	return nil
}

// Pending returns the number of scheduled timers
func (r *Reactor) Pending() int {
	return r.timers.Len()
}

// RunOnce runs one loop iteration: every due timer in trigger order, then a
// bounded wait for readiness and the callbacks of ready events.
//
// A oneshot timer is removed from the queue and marked inactive before its
// callback runs, so the callback may reschedule it or drop it. A repeating
// timer is re-armed before its callback runs.
func (r *Reactor) RunOnce() error {
	if r.closed {
		return ErrClosed
	}

	r.runTimers()

	n, err := r.poller.Wait(r.ready, r.waitMillis())
	if err != nil {
		return fmt.Errorf("reactor: wait: %w", err)
	}

	for i := 0; i < n; i++ {
		rd := r.ready[i]
		ev, ok := r.events[rd.Fd]
		if !ok || !ev.active {
			continue
		}
		ev.callback(rd.Fd, rd.Events)
	}
	return nil
}

func (r *Reactor) runTimers() {
	now := r.now()
	// Bounded by the starting length so a zero-interval timer that
	// reschedules itself waits for the next iteration.
	budget := r.timers.Len()

	for ; budget > 0; budget-- {
		e := r.timers.Peek()
		if e == nil || e.Key() > now {
			return
		}
		t := e.Value
		if t.mode == Oneshot {
			r.timers.Pop()
			t.entry = nil
			t.active = false
		} else {
			r.timers.Fix(e, now+int64(t.interval))
		}
		t.callback()
	}
}

// waitMillis shortens the wait when a timer is due sooner
func (r *Reactor) waitMillis() int {
	wait := r.waitTimeout
	if e := r.timers.Peek(); e != nil {
		until := time.Duration(e.Key() - r.now())
		if until < 0 {
			until = 0
		}
		if until < wait {
			wait = until
		}
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// Close releases the multiplexer. Registered events become inactive and
// queued timers are dropped.
func (r *Reactor) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	for fd, ev := range r.events {
		ev.active = false
		delete(r.events, fd)
	}
	for r.timers.Len() > 0 {
		t := r.timers.Pop().Value
		t.entry = nil
		t.active = false
	}
	if err := r.poller.Close(); err != nil {
		r.log.Debug().Err(err).Msg("close poller")
		return err
	}
	return nil
}
