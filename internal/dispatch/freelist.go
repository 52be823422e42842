package dispatch

import "sync"

// Freelist recycles values of one type, up to a fixed number kept idle.
//
// It backs the connection and buffer pools of a protocol. Unlike
// [sync.Pool], idle values are never dropped by the garbage collector, and
// Put tells the caller when the list is full so it can release the value.
type Freelist[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
	newFn func() T
}

// NewFreelist returns a Freelist that keeps at most limit idle values and
// calls newFn when it has none.
func NewFreelist[T any](limit int, newFn func() T) *Freelist[T] {
	return &Freelist[T]{
		items: make([]T, 0, limit),
		limit: limit,
		newFn: newFn,
	}
}

// Get pops an idle value or makes a new one.
func (f *Freelist[T]) Get() T {
	f.mu.Lock()

	if n := len(f.items); n > 0 {
		v := f.items[n-1]

		var zero T
		f.items[n-1] = zero
		f.items = f.items[:n-1]
		f.mu.Unlock()

		return v
	}

	f.mu.Unlock()

	return f.newFn()
}

// Put returns v to the list. It reports false when the list is full and v
// was not kept.
func (f *Freelist[T]) Put(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) >= f.limit {
		return false
	}

	f.items = append(f.items, v)

	return true
}

// Len returns the number of idle values.
func (f *Freelist[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.items)
}
