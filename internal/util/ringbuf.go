package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. A zero-capacity buffer stores nothing. All methods are
// safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, max(capacity, 0))}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.pushLocked(item)
	r.mu.Unlock()
}

// PushReplacing drops every stored element for which stale returns true,
// then appends item. Both steps happen under one lock.
func (r *RingBuffer[T]) PushReplacing(item T, stale func(T) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return
	}
	kept := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		if v := r.at(i); !stale(v) {
			kept = append(kept, v)
		}
	}
	clear(r.buf)
	copy(r.buf, kept)
	r.head, r.count = 0, len(kept)
	r.pushLocked(item)
}

func (r *RingBuffer[T]) pushLocked(item T) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

func (r *RingBuffer[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
