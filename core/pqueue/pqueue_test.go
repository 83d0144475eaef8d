package pqueue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByKey(t *testing.T) {
	q := New[int]()
	keys := []int64{50, 10, 40, 20, 30}
	for i, k := range keys {
		q.Push(k, i)
	}

	var got []int64
	for q.Len() > 0 {
		got = append(got, q.Pop().Key())
	}
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, got)
	assert.Nil(t, q.Pop())
	assert.Nil(t, q.Peek())
}

func TestQueueTiesPopInInsertionOrder(t *testing.T) {
	q := New[string]()
	q.Push(5, "a")
	q.Push(5, "b")
	q.Push(1, "first")
	q.Push(5, "c")

	var got []string
	for q.Len() > 0 {
		got = append(got, q.Pop().Value)
	}
	assert.Equal(t, []string{"first", "a", "b", "c"}, got)
}

func TestQueueRemove(t *testing.T) {
	q := New[int]()
	a := q.Push(3, 3)
	b := q.Push(1, 1)
	c := q.Push(2, 2)

	require.True(t, q.Remove(b))
	assert.False(t, b.Queued())
	assert.False(t, q.Remove(b), "second removal must fail")

	assert.Equal(t, c, q.Pop())
	assert.Equal(t, a, q.Pop())
	assert.False(t, q.Remove(a), "popped entries are no longer owned")
	assert.False(t, q.Remove(nil))
}

func TestQueueRemoveForeignEntry(t *testing.T) {
	q1 := New[int]()
	q2 := New[int]()
	e := q1.Push(1, 1)
	q2.Push(1, 1)

	assert.False(t, q2.Remove(e))
	assert.Equal(t, 1, q2.Len())
	assert.True(t, q1.Remove(e))
}

func TestQueueFix(t *testing.T) {
	q := New[string]()
	a := q.Push(10, "a")
	q.Push(20, "b")
	q.Push(30, "c")

	require.True(t, q.Fix(a, 25))
	assert.Equal(t, "b", q.Pop().Value)
	assert.Equal(t, "a", q.Pop().Value)
	assert.Equal(t, "c", q.Pop().Value)
}

func TestQueueRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := New[int64]()
	var live []*Entry[int64]

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			k := rng.Int63n(500)
			live = append(live, q.Push(k, k))
		case 2:
			if len(live) == 0 {
				continue
			}
			j := rng.Intn(len(live))
			require.True(t, q.Remove(live[j]))
			live = append(live[:j], live[j+1:]...)
		}
	}

	want := make([]int64, 0, len(live))
	for _, e := range live {
		want = append(want, e.Key())
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := make([]int64, 0, q.Len())
	for q.Len() > 0 {
		got = append(got, q.Pop().Value)
	}
	assert.Equal(t, want, got)
}

func BenchmarkQueuePushPop(b *testing.B) {
	q := New[int]()
	for i := 0; i < b.N; i++ {
		q.Push(int64(i%1024), i)
		if q.Len() > 512 {
			q.Pop()
		}
	}
}
