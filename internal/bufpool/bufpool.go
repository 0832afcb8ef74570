// Package bufpool provides fixed-capacity buffer pools that are filled once
// at session start so the steady-state media path does not allocate.
package bufpool

import "sync/atomic"

// Pool hands out slices of a fixed capacity. When the free list is empty Get
// allocates, and the miss is counted so callers can size the pool better.
type Pool[T any] struct {
	size int
	free chan []T

	misses atomic.Int64
}

// New creates a pool of slices with capacity size and preallocates prealloc
// of them. The pool retains at most 2*prealloc (minimum 4) idle slices.
func New[T any](size, prealloc int) *Pool[T] {
	if size < 0 {
		size = 0
	}
	if prealloc < 0 {
		prealloc = 0
	}
	limit := prealloc * 2
	if limit < 4 {
		limit = 4
	}
	p := &Pool[T]{
		size: size,
		free: make(chan []T, limit),
	}
	for i := 0; i < prealloc; i++ {
		p.free <- make([]T, size)
	}
	return p
}

// Size returns the capacity of every slice handed out.
func (p *Pool[T]) Size() int {
	return p.size
}

// Get returns a slice of length n (clamped to the pool size). Contents are
// not zeroed.
func (p *Pool[T]) Get(n int) []T {
	if n > p.size {
		n = p.size
	}
	if n < 0 {
		n = 0
	}
	select {
	case b := <-p.free:
		return b[:n]
	default:
	}
	p.misses.Add(1)
	return make([]T, p.size)[:n]
}

// Put returns a slice to the pool. Slices of a different capacity are
// ignored.
func (p *Pool[T]) Put(b []T) {
	if cap(b) != p.size {
		return
	}
	select {
	case p.free <- b[:p.size]:
	default:
	}
}

// Misses returns how many Get calls had to allocate.
func (p *Pool[T]) Misses() int64 {
	return p.misses.Load()
}

// Idle returns the number of slices currently waiting in the pool.
func (p *Pool[T]) Idle() int {
	return len(p.free)
}
