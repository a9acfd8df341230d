// Package queue provides the unbounded FIFO used to hand device notifications
// from socket readers and timers to the event dispatcher.
package queue

// Queue defines the interface of a FIFO queue of items of type T.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// The boolean is false if the queue is empty.
	Dequeue() (T, bool)
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
