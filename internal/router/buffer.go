package router

import (
	"sync"
)

// GrowableBuffer is a bus mailbox: the router's read loop posts frames
// into it and the bus's delivery goroutine takes them out in order.
//
// Posting never blocks, so one slow listener cannot stall the read loop
// or the other buses. The ring doubles once it is 70% full. The trail
// writer reuses the same type to decouple listeners from the database.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next item to take
	count  int
	closed bool

	posted int64
	taken  int64
	grows  int
}

// NewGrowableBuffer creates a mailbox with room for size items before it
// first grows.
func NewGrowableBuffer[T any](size int) *GrowableBuffer[T] {
	if size < 1 {
		size = 1
	}
	b := &GrowableBuffer[T]{ring: make([]T, size)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send posts item. It returns false once the mailbox is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if limit := max(len(b.ring)*70/100, 1); b.count+1 >= limit {
		b.grow()
	}

	b.ring[(b.head+b.count)%len(b.ring)] = item
	b.count++
	b.posted++
	b.cond.Signal()
	return true
}

// Receive takes the oldest item, waiting for one if the mailbox is empty.
// After Close it keeps returning queued items, then reports false.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 {
		if b.closed {
			var zero T
			return zero, false
		}
		b.cond.Wait()
	}

	var zero T
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.taken++
	return item, true
}

// Close rejects further posts and wakes every waiting receiver.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// BufferStats describes a mailbox.
type BufferStats struct {
	Queued   int
	Capacity int
	Posted   int64
	Taken    int64
	Grows    int
}

// Stats returns mailbox counters.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Queued:   b.count,
		Capacity: len(b.ring),
		Posted:   b.posted,
		Taken:    b.taken,
		Grows:    b.grows,
	}
}

// grow doubles the ring and unwraps it so head is 0. Caller holds mu.
func (b *GrowableBuffer[T]) grow() {
	ring := make([]T, 2*len(b.ring))
	for i := 0; i < b.count; i++ {
		ring[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = ring
	b.head = 0
	b.grows++
}
