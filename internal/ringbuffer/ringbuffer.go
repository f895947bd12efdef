// Package ringbuffer provides a fixed-capacity single-producer/single-consumer
// queue used to decouple network delivery from application-paced reads.
//
// The buffer is not synchronized. Producer and consumer must never run
// concurrently; in this module both run on the event loop goroutine.
package ringbuffer

// RingBuffer is a fixed-capacity circular queue. One slot is kept free to tell
// a full buffer from an empty one, so a buffer of capacity C holds C-1 items.
type RingBuffer[T any] struct {
	buf  []T
	head int
	tail int
}

// New creates a ring buffer with the given capacity. Capacities below 2 are
// raised to 2 so the buffer can hold at least one item.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 2 {
		capacity = 2
	}
	return &RingBuffer[T]{
		buf: make([]T, capacity),
	}
}

// Put appends one item. It returns false without overwriting when full.
func (r *RingBuffer[T]) Put(item T) bool {
	if r.Full() {
		return false
	}
	r.buf[r.head] = item
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// PutSlice copies items until the buffer is full or the input is exhausted
// and returns how many were copied.
func (r *RingBuffer[T]) PutSlice(items []T) int {
	count := 0
	for count < len(items) && !r.Full() {
		// copy the contiguous run up to the end of the backing array or the tail
		end := len(r.buf)
		if r.tail > r.head {
			end = r.tail - 1
		} else if r.tail == 0 {
			end = len(r.buf) - 1
		}
		n := copy(r.buf[r.head:end], items[count:])
		if n == 0 {
			break
		}
		count += n
		r.head = (r.head + n) % len(r.buf)
	}
	return count
}

// Get removes and returns the oldest item.
func (r *RingBuffer[T]) Get() (T, bool) {
	var zero T
	if r.Empty() {
		return zero, false
	}
	item := r.buf[r.tail]
	r.buf[r.tail] = zero
	r.tail = (r.tail + 1) % len(r.buf)
	return item, true
}

// GetSlice copies queued items into out until the buffer is empty or out is
// full and returns how many were copied.
func (r *RingBuffer[T]) GetSlice(out []T) int {
	count := 0
	for count < len(out) && !r.Empty() {
		end := r.head
		if r.head < r.tail {
			end = len(r.buf)
		}
		n := copy(out[count:], r.buf[r.tail:end])
		count += n
		r.tail = (r.tail + n) % len(r.buf)
	}
	return count
}

// Discard drops up to n of the oldest items and returns how many were dropped.
func (r *RingBuffer[T]) Discard(n int) int {
	size := r.Size()
	if n > size {
		n = size
	}
	if n <= 0 {
		return 0
	}
	r.tail = (r.tail + n) % len(r.buf)
	return n
}

// Reset drops all content.
func (r *RingBuffer[T]) Reset() {
	r.tail = r.head
}

func (r *RingBuffer[T]) Empty() bool {
	return r.head == r.tail
}

func (r *RingBuffer[T]) Full() bool {
	return (r.head+1)%len(r.buf) == r.tail
}

// Capacity returns the size of the backing store, one more than the number of
// items the buffer can hold.
func (r *RingBuffer[T]) Capacity() int {
	return len(r.buf)
}

// Size returns the number of queued items.
func (r *RingBuffer[T]) Size() int {
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return len(r.buf) + r.head - r.tail
}

// Free returns how many more items fit.
func (r *RingBuffer[T]) Free() int {
	return len(r.buf) - 1 - r.Size()
}
