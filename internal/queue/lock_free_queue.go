package queue

import (
	"sync/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// lockFreeQueue is a Michael-Scott lock-free queue.
// Any number of goroutines may enqueue and dequeue concurrently.
//
// It implements the Queue interface.
type lockFreeQueue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int64
}

var _ Queue[int] = (*lockFreeQueue[int])(nil)

// NewLockFreeQueue creates an empty lock-free queue.
func NewLockFreeQueue[T any]() Queue[T] {
	q := &lockFreeQueue[T]{}
	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Enqueue adds an item to the tail of the queue.
//
// The length is incremented before Enqueue returns, so a consumer that observes
// IsEmpty() == false after a successful Enqueue will find the item.
func (q *lockFreeQueue[T]) Enqueue(item T) {
	n := &node[T]{value: item}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}

		if next != nil {
			// tail is falling behind, help to advance it.
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)

			return
		}
	}
}

// Dequeue removes and returns the item at the head of the queue.
func (q *lockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}

		if head == tail {
			if next == nil {
				return zero, false
			}
			q.tail.CompareAndSwap(tail, next)

			continue
		}

		// read value before CAS, otherwise another dequeue might reuse the node.
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)

			return value, true
		}
	}
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *lockFreeQueue[T]) IsEmpty() bool {
	return q.length.Load() <= 0
}

// Length returns the number of items in the queue.
func (q *lockFreeQueue[T]) Length() int {
	return int(q.length.Load())
}
