// Package dropqueue is a bounded queue for real-time producers. When the
// consumer falls behind, the oldest item is dropped so Push never blocks the
// producing callback.
package dropqueue

import (
	"log/slog"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
)

const dropLogPeriod = time.Second

// Queue holds up to size items. It is never closed; consumers stop reading
// through their own cancellation.
type Queue[T any] struct {
	name    string
	log     *slog.Logger
	release func(T)
	ch      chan T

	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

// New returns a queue of the given size. release is called for every item
// the queue drops, and may be nil.
func New[T any](name string, size int, release func(T), log *slog.Logger) *Queue[T] {
	if size < 1 {
		size = 1
	}
	if release == nil {
		release = func(T) {}
	}
	return &Queue[T]{
		name:    name,
		log:     logging.Component(log, "queue"),
		release: release,
		ch:      make(chan T, size),
	}
}

// Push enqueues v, dropping the oldest queued item when full. It reports
// whether anything was dropped.
func (q *Queue[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return false
	default:
	}

	select {
	case old := <-q.ch:
		q.release(old)
		q.noteDrop()
	default:
	}

	select {
	case q.ch <- v:
	default:
		// Another producer took the freed slot.
		q.release(v)
		q.noteDrop()
	}
	return true
}

func (q *Queue[T]) noteDrop() {
	total := q.dropped.Add(1)
	if logging.Every(&q.lastDropLog, dropLogPeriod) {
		q.log.Debug("queue full, dropped oldest", "queue", q.name, "dropped_total", total, "len", len(q.ch))
	}
}

// C returns the receive side for consumers.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Dropped returns how many items were dropped since creation.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain releases everything currently queued and returns the count.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case v := <-q.ch:
			q.release(v)
			n++
		default:
			return n
		}
	}
}
