// Package queue provides an unbounded FIFO that decouples fast producers
// from a slower consumer goroutine.
package queue

import "sync"

// Queue is a goroutine-safe FIFO backed by a ring that doubles when it
// passes 70% occupancy. Push never blocks.
type Queue[T any] struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	ring     []T
	head     int
	size     int
	closed   bool

	pushed int64
	popped int64
	grows  int
}

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Pending  int
	Capacity int
	Pushed   int64
	Popped   int64
	Grows    int
}

// New returns a Queue with the given starting capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v. It reports false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if limit := max(len(q.ring)*7/10, 1); q.size+1 >= limit {
		q.resize(len(q.ring) * 2)
	}

	q.ring[(q.head+q.size)%len(q.ring)] = v
	q.size++
	q.pushed++
	q.nonEmpty.Signal()
	return true
}

// Pop blocks until an item is available. After Close it keeps returning
// queued items, then reports false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	return q.take()
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.take()
}

// Close stops accepting items and wakes blocked consumers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.nonEmpty.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  q.size,
		Capacity: len(q.ring),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Grows:    q.grows,
	}
}

// take must be called with mu held.
func (q *Queue[T]) take() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.popped++
	return v, true
}

// resize must be called with mu held.
func (q *Queue[T]) resize(n int) {
	next := make([]T, n)
	for i := 0; i < q.size; i++ {
		next[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = next
	q.head = 0
	q.grows++
}
