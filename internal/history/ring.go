// Package history provides the bounded in-memory histories kept by the
// decision, recovery and agent services, plus the Sink seam used to
// externalize every record for long-running processes.
package history

// RingBuffer is a fixed-size circular buffer. When full, the oldest item is
// overwritten.
//
// Not safe for concurrent use; callers synchronize.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
	total int // items ever pushed
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
// A non-positive capacity falls back to DefaultCapacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// DefaultCapacity is used when a history is created without an explicit size.
const DefaultCapacity = 1000

// Push appends an item, evicting the oldest one when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
	r.total++
}

// Len returns the number of items currently held.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the maximum number of items held.
func (r *RingBuffer[T]) Cap() int { return len(r.data) }

// Total returns the number of items ever pushed, including evicted ones.
func (r *RingBuffer[T]) Total() int { return r.total }

// Newest returns the most recently pushed item.
func (r *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx = len(r.data) - 1
	}
	return r.data[idx], true
}

// Slice returns a copy of all items from oldest to newest.
func (r *RingBuffer[T]) Slice() []T {
	out := make([]T, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.data)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}
