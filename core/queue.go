package core

import (
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// WorkQueue is an unbounded FIFO of closures waiting for a worker.
// The pool never rejects for capacity: submissions only queue up here.
type WorkQueue struct {
	mu    sync.Mutex
	items []Closure
}

func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		items: make([]Closure, 0, defaultQueueCap),
	}
}

func (q *WorkQueue) Push(c Closure) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
}

func (q *WorkQueue) Pop() (Closure, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	item := q.items[0]
	// Zero out the slot so the backing array does not pin the closure
	q.items[0] = nil
	q.items = q.items[1:]
	q.maybeCompactLocked()

	return item, true
}

func (q *WorkQueue) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]Closure, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]Closure, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}

func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WorkQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops every queued closure and returns how many were dropped.
func (q *WorkQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]Closure, 0, defaultQueueCap)
	return n
}
