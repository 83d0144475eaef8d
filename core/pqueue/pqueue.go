// Package pqueue provides a generic min-priority queue keyed by an int64
// (a trigger time in the reactor) with removable, re-keyable entries.
//
// Entries with equal keys are popped in insertion order. Push, Pop, Remove
// and Fix are O(log n); Peek is O(1).
package pqueue

import "container/heap"

// Entry is a handle to a queued value. It stays valid until the entry is
// popped or removed.
type Entry[V any] struct {
	Value V

	key   int64
	seq   uint64
	index int
}

// Key returns the entry's current priority
func (e *Entry[V]) Key() int64 {
	return e.key
}

// Queued reports whether the entry is still in a queue
func (e *Entry[V]) Queued() bool {
	return e != nil && e.index >= 0
}

// Queue is a min-queue of values ordered by key
type Queue[V any] struct {
	h   entries[V]
	seq uint64
}

// New creates an empty queue
func New[V any]() *Queue[V] {
	return &Queue[V]{}
}

// Len returns the number of queued entries
func (q *Queue[V]) Len() int {
	return len(q.h)
}

// Push inserts v with the given key and returns its handle
func (q *Queue[V]) Push(key int64, v V) *Entry[V] {
	q.seq++
	e := &Entry[V]{Value: v, key: key, seq: q.seq}
	heap.Push(&q.h, e)
	return e
}

// Peek returns the entry with the smallest key without removing it
func (q *Queue[V]) Peek() *Entry[V] {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the entry with the smallest key
func (q *Queue[V]) Pop() *Entry[V] {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry[V])
}

// Remove deletes e from the queue. It reports false if e is not queued here.
func (q *Queue[V]) Remove(e *Entry[V]) bool {
	if !q.owns(e) {
		return false
	}
	heap.Remove(&q.h, e.index)
	return true
}

// Fix changes the key of a queued entry and restores ordering. The entry is
// ordered after existing entries with the same key.
func (q *Queue[V]) Fix(e *Entry[V], key int64) bool {
	if !q.owns(e) {
		return false
	}
	q.seq++
	e.key = key
	e.seq = q.seq
	heap.Fix(&q.h, e.index)
	return true
}

func (q *Queue[V]) owns(e *Entry[V]) bool {
	return e != nil && e.index >= 0 && e.index < len(q.h) && q.h[e.index] == e
}

// entries implements heap.Interface
type entries[V any] []*Entry[V]

func (h entries[V]) Len() int { return len(h) }

func (h entries[V]) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].seq < h[j].seq
}

func (h entries[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entries[V]) Push(x any) {
	e := x.(*Entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entries[V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
