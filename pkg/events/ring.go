package events

// ring is a fixed-size circular buffer that evicts the oldest element. It is
// not safe for concurrent use; Stream guards it.
type ring[T any] struct {
	items []T
	head  int // oldest element
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = DefaultStreamBuffer
	}
	return &ring[T]{items: make([]T, capacity)}
}

// add stores v and reports whether the oldest element was evicted for it.
func (r *ring[T]) add(v T) bool {
	capacity := len(r.items)
	tail := (r.head + r.size) % capacity
	r.items[tail] = v
	if r.size < capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % capacity
	return true
}

// all returns the elements oldest first.
func (r *ring[T]) all() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

func (r *ring[T]) len() int {
	return r.size
}
