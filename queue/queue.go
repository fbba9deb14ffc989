// Package queue implements a goroutine-safe FIFO queue that recycles its nodes.
package queue

import "sync"

type node[T any] struct {
	value T
	next  *node[T]
}

// Queue is a FIFO of T. The zero value is ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	head  *node[T]
	tail  *node[T]
	spare *node[T] // recycled nodes, linked through next
	count int
	idle  int
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.spare
	if n != nil {
		q.spare = n.next
		q.idle--
	} else {
		n = &node[T]{}
	}
	n.value = v
	n.next = nil

	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
	q.count++
}

// Pop removes the oldest value.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	n := q.head
	if n == nil {
		return zero, false
	}
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--

	v := n.value
	n.value = zero
	n.next = q.spare
	q.spare = n
	q.idle++
	return v, true
}

// IsEmpty reports whether the queue holds no values.
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == 0
}

// Len returns the number of enqueued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Reserved returns the number of recycled nodes waiting for reuse.
func (q *Queue[T]) Reserved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}
