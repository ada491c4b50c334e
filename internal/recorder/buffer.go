package recorder

import (
	"sync"
)

// Buffer is a thread-safe FIFO ring that doubles its capacity when it
// reaches 70% full, up to an optional limit. Once the limit is reached,
// Send drops the item and returns false.
type Buffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	totalDropped  int64
	resizeCount   int
}

// NewBuffer creates a buffer with the given initial capacity and limit.
// A limit of 0 lets the buffer grow without bound.
func NewBuffer[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	return &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
}

// Send adds an item to the buffer, growing it at 70% capacity.
// Returns false if the buffer is closed or full.
func (b *Buffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && b.canGrow() {
		b.grow()
	}

	if b.count == b.capacity {
		b.totalDropped++
		return false
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++
	return true
}

// TryReceive removes the oldest item without blocking.
func (b *Buffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to max items (all if max <= 0) in FIFO order.
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.pop()
	}
	return result
}

// Close closes the buffer. After closing, Send returns false; queued items
// can still be drained.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Len returns the current number of items in the buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	TotalDropped  int64
	ResizeCount   int
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		TotalDropped:  b.totalDropped,
		ResizeCount:   b.resizeCount,
	}
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Buffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

func (b *Buffer[T]) canGrow() bool {
	return b.limit == 0 || b.capacity < b.limit
}

// grow doubles the buffer capacity, capped at limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.limit > 0 && newCapacity > b.limit {
		newCapacity = b.limit
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
