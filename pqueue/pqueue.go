// Package pqueue provides a stable priority queue: items with a lower
// priority value are popped first, and items with equal priority are
// popped in insertion order.
//
// The queue is not safe for concurrent use; callers own the locking.
package pqueue

import "container/heap"

type item[T any] struct {
	priority int64
	seq      uint64
	value    T
}

type itemHeap[T any] []item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	// Equal priority: earlier insertion wins.
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) { *h = append(*h, x.(item[T])) }

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a stable min-priority queue.
type Queue[T any] struct {
	h   itemHeap[T]
	seq uint64
}

// New creates an empty Queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push inserts value with the given priority. Lower priority values are
// popped first.
func (q *Queue[T]) Push(priority int64, value T) {
	q.seq++
	heap.Push(&q.h, item[T]{priority: priority, seq: q.seq, value: value})
}

// Pop removes and returns the lowest-priority item. The second return is
// false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(&q.h).(item[T])
	return it.value, true
}

// Peek returns the lowest-priority item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	return q.h[0].value, true
}

// PeekPriority returns the priority of the head item.
func (q *Queue[T]) PeekPriority() (int64, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	return q.h[0].priority, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.h) }

// Remove deletes all items for which match returns true and reports how
// many were removed. O(n) rebuild; intended for point removals.
func (q *Queue[T]) Remove(match func(T) bool) int {
	kept := q.h[:0]
	removed := 0
	for _, it := range q.h {
		if match(it.value) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	if removed > 0 {
		q.h = kept
		heap.Init(&q.h)
	}
	return removed
}

// Items returns the queued values in pop order without draining the queue.
func (q *Queue[T]) Items() []T {
	// Copy the heap and drain the copy.
	cp := make(itemHeap[T], len(q.h))
	copy(cp, q.h)
	out := make([]T, 0, len(cp))
	for len(cp) > 0 {
		out = append(out, heap.Pop(&cp).(item[T]).value)
	}
	return out
}
