// Package fifo implements the bounded FIFO of message pointers described
// in spec.md §4.2: a fixed-capacity ring of *pool.Message, used to stage
// incoming messages for the main dispatcher and outgoing retries. It
// does not own the messages it holds -- ownership stays with whichever
// caller pushed the pointer, per spec.md §3's invariant that "a record
// is present in at most one FIFO at any time unless its reference count
// has been explicitly incremented to match."
//
// Grounded on the teacher's internal/fifo ring-buffer index bookkeeping
// (head/tail/count, no dynamic allocation), generalized from bytes to
// pointers, plus a peak-depth and drop counter as spec.md §7 requires
// ("FIFO overflow on push: drop the new message silently, increment the
// peak-drop telemetry counter").
package fifo

import "github.com/openlcb-go/lcc/internal/pool"

// Queue is a bounded ring buffer of *pool.Message pointers.
type Queue struct {
	items     []*pool.Message
	head      int
	tail      int
	count     int
	peak      int
	dropCount int
}

// New allocates a queue with room for capacity pointers.
func New(capacity int) *Queue {
	return &Queue{items: make([]*pool.Message, capacity)}
}

// Push appends msg to the tail of the queue. It returns false, leaving
// msg untouched and owned by the caller, if the queue is already at
// capacity.
func (q *Queue) Push(msg *pool.Message) bool {
	if q.count == len(q.items) {
		q.dropCount++
		return false
	}
	q.items[q.tail] = msg
	q.tail = (q.tail + 1) % len(q.items)
	q.count++
	if q.count > q.peak {
		q.peak = q.count
	}
	return true
}

// Pop removes and returns the pointer at the head of the queue, or nil
// if the queue is empty.
func (q *Queue) Pop() *pool.Message {
	if q.count == 0 {
		return nil
	}
	msg := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return msg
}

// Peek returns the pointer at the head of the queue without removing it,
// or nil if the queue is empty.
func (q *Queue) Peek() *pool.Message {
	if q.count == 0 {
		return nil
	}
	return q.items[q.head]
}

// Len returns the current number of queued pointers.
func (q *Queue) Len() int { return q.count }

// Cap returns the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.items) }

// Peak returns the historical high-water mark of Len().
func (q *Queue) Peak() int { return q.peak }

// DropCount returns how many Push calls were rejected because the queue
// was full.
func (q *Queue) DropCount() int { return q.dropCount }
