package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/cask-server/core/poller"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReactor(t *testing.T) (*Reactor, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	r, err := New(WithClock(clk.Now), WithWaitTimeout(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clk
}

func newPipe(t *testing.T) (rfd, wfd int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	require.NoError(t, unix.SetNonblock(p[1], true))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func runUntil(t *testing.T, r *Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met")
		require.NoError(t, r.RunOnce())
	}
}

func TestTimersFireInTriggerOrder(t *testing.T) {
	r, clk := newTestReactor(t)

	var order []string
	mk := func(name string, d time.Duration) *Timer {
		return NewTimer(d, Oneshot, func() { order = append(order, name) })
	}
	require.NoError(t, r.Schedule(mk("c", 30*time.Millisecond)))
	require.NoError(t, r.Schedule(mk("a", 10*time.Millisecond)))
	require.NoError(t, r.Schedule(mk("b", 20*time.Millisecond)))
	require.NoError(t, r.Schedule(mk("late", time.Second)))

	require.NoError(t, r.RunOnce())
	assert.Empty(t, order, "nothing is due yet")

	clk.Advance(30 * time.Millisecond)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 1, r.Pending())
}

func TestEqualTriggersFireInScheduleOrder(t *testing.T) {
	r, clk := newTestReactor(t)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, r.Schedule(NewTimer(time.Millisecond, Oneshot, func() { order = append(order, i) })))
	}
	clk.Advance(time.Millisecond)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestOneshotInactiveDuringCallback(t *testing.T) {
	r, clk := newTestReactor(t)

	var tm *Timer
	fired := 0
	tm = NewTimer(5*time.Millisecond, Oneshot, func() {
		fired++
		assert.False(t, tm.Active())
		assert.ErrorIs(t, r.Cancel(tm), ErrTimerInactive)
		if fired == 1 {
			assert.NoError(t, r.Schedule(tm))
		}
	})
	require.NoError(t, r.Schedule(tm))

	clk.Advance(5 * time.Millisecond)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, 1, fired)
	assert.True(t, tm.Active(), "callback rescheduled the timer")

	clk.Advance(5 * time.Millisecond)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, 2, fired)
	assert.False(t, tm.Active())
	assert.Zero(t, r.Pending())
}

func TestRepeatingTimer(t *testing.T) {
	r, clk := newTestReactor(t)

	fired := 0
	tm := NewTimer(10*time.Millisecond, Repeating, func() { fired++ })
	require.NoError(t, r.Schedule(tm))

	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Millisecond)
		require.NoError(t, r.RunOnce())
	}
	assert.Equal(t, 3, fired)
	assert.True(t, tm.Active())

	require.NoError(t, r.Cancel(tm))
	clk.Advance(time.Second)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, 3, fired)
}

func TestScheduleErrors(t *testing.T) {
	r, _ := newTestReactor(t)

	tm := NewTimer(time.Second, Oneshot, func() {})
	require.NoError(t, r.Schedule(tm))
	assert.ErrorIs(t, r.Schedule(tm), ErrTimerActive)
	require.NoError(t, r.Cancel(tm))
	assert.ErrorIs(t, r.Cancel(tm), ErrTimerInactive)

	assert.ErrorIs(t, r.Schedule(NewTimer(0, Repeating, func() {})), ErrInvalidInterval)
	assert.ErrorIs(t, r.Schedule(NewTimer(-time.Second, Repeating, func() {})), ErrInvalidInterval)
}

func TestZeroIntervalRescheduleDefersToNextIteration(t *testing.T) {
	r, _ := newTestReactor(t)

	fired := 0
	var tm *Timer
	tm = NewTimer(0, Oneshot, func() {
		fired++
		_ = r.Schedule(tm)
	})
	require.NoError(t, r.Schedule(tm))

	require.NoError(t, r.RunOnce())
	assert.Equal(t, 1, fired)
	require.NoError(t, r.RunOnce())
	assert.Equal(t, 2, fired)
}

func TestEventReadiness(t *testing.T) {
	r, _ := newTestReactor(t)
	rfd, wfd := newPipe(t)

	var got poller.Readiness
	calls := 0
	ev := NewEvent(rfd, poller.Readable|poller.EdgeTriggered, func(fd int, rd poller.Readiness) {
		assert.Equal(t, rfd, fd)
		got = rd
		calls++
	})
	require.NoError(t, r.Register(ev))
	assert.True(t, ev.Active())

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	runUntil(t, r, func() bool { return calls > 0 })
	assert.NotZero(t, got&poller.ReadReady)
}

func TestUnregister(t *testing.T) {
	r, _ := newTestReactor(t)
	rfd, wfd := newPipe(t)

	calls := 0
	ev := NewEvent(rfd, poller.Readable, func(int, poller.Readiness) { calls++ })
	require.NoError(t, r.Register(ev))
	assert.ErrorIs(t, r.Register(ev), ErrEventActive)

	require.NoError(t, r.Unregister(ev))
	assert.False(t, ev.Active())
	assert.ErrorIs(t, r.Unregister(ev), ErrEventInactive)

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RunOnce())
	}
	assert.Zero(t, calls)
}

func TestRegisterBadDescriptor(t *testing.T) {
	r, _ := newTestReactor(t)

	ev := NewEvent(-1, poller.Readable, func(int, poller.Readiness) {})
	assert.Error(t, r.Register(ev))
	assert.False(t, ev.Active())
}

func TestTimersRunBeforeIO(t *testing.T) {
	r, clk := newTestReactor(t)
	rfd, wfd := newPipe(t)

	var order []string
	require.NoError(t, r.Register(NewEvent(rfd, poller.Readable|poller.EdgeTriggered, func(int, poller.Readiness) {
		order = append(order, "io")
	})))
	require.NoError(t, r.Schedule(NewTimer(time.Millisecond, Oneshot, func() {
		order = append(order, "timer")
	})))

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)
	clk.Advance(time.Millisecond)

	runUntil(t, r, func() bool { return len(order) >= 2 })
	assert.Equal(t, []string{"timer", "io"}, order)
}

func TestClose(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r, err := New(WithClock(clk.Now))
	require.NoError(t, err)

	rfd, _ := newPipe(t)
	ev := NewEvent(rfd, poller.Readable, func(int, poller.Readiness) {})
	tm := NewTimer(time.Second, Oneshot, func() {})
	require.NoError(t, r.Register(ev))
	require.NoError(t, r.Schedule(tm))

	require.NoError(t, r.Close())
	assert.False(t, ev.Active())
	assert.False(t, tm.Active())
	assert.ErrorIs(t, r.RunOnce(), ErrClosed)
	assert.ErrorIs(t, r.Close(), ErrClosed)
}
