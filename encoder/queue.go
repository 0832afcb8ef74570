package encoder

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
)

var errQueueClosed = errors.New("track queue closed")

const slowWriteThreshold = 50 * time.Millisecond

// trackQueue feeds one track of one ffmpeg process from its own goroutine so
// a slow pipe never blocks the caller. It never drops: callers check Ready
// before Push.
type trackQueue[T any] struct {
	kind    string
	log     *slog.Logger
	write   func(T) error
	release func(T)

	queue chan T
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	abortOnce sync.Once
	wg        sync.WaitGroup

	err         atomic.Pointer[error]
	written     atomic.Uint64
	lastSlowLog atomic.Int64
}

func newTrackQueue[T any](kind string, size int, write func(T) error, release func(T), log *slog.Logger) *trackQueue[T] {
	if size < 1 {
		size = 1
	}
	q := &trackQueue[T]{
		kind:    kind,
		log:     log,
		write:   write,
		release: release,
		queue:   make(chan T, size),
		done:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Ready reports whether Push would succeed without waiting.
func (q *trackQueue[T]) Ready() bool {
	return len(q.queue) < cap(q.queue) && q.Err() == nil
}

// Push enqueues item or releases it and returns an error.
func (q *trackQueue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.release(item)
		return errQueueClosed
	}
	select {
	case <-q.done:
		q.release(item)
		return errQueueClosed
	default:
	}
	if err := q.Err(); err != nil {
		q.release(item)
		return err
	}
	select {
	case q.queue <- item:
		return nil
	default:
		q.release(item)
		return ErrDropped
	}
}

// Close stops accepting items and waits until everything queued is written.
func (q *trackQueue[T]) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return q.Err()
}

// Abort stops the queue without writing what is left. Safe to call
// concurrently with Push and Close. Holding mu keeps a Push from landing an
// item after the loop has drained.
func (q *trackQueue[T]) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abortOnce.Do(func() {
		close(q.done)
	})
}

// Err returns the first write error.
func (q *trackQueue[T]) Err() error {
	if p := q.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Written returns how many items reached the sink.
func (q *trackQueue[T]) Written() uint64 {
	return q.written.Load()
}

func (q *trackQueue[T]) loop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			q.drain()
			return
		case item, ok := <-q.queue:
			if !ok {
				return
			}
			q.handle(item)
		}
	}
}

func (q *trackQueue[T]) handle(item T) {
	defer q.release(item)
	if q.Err() != nil {
		return
	}

	start := time.Now()
	if err := q.write(item); err != nil {
		q.err.CompareAndSwap(nil, &err)
		q.log.Debug("track write failed", "track", q.kind, "err", err)
		return
	}
	q.written.Add(1)

	if d := time.Since(start); d > slowWriteThreshold && logging.Every(&q.lastSlowLog, time.Second) {
		q.log.Debug("slow track write", "track", q.kind, "duration", d, "queued", len(q.queue))
	}
}

func (q *trackQueue[T]) drain() {
	for {
		select {
		case item, ok := <-q.queue:
			if !ok {
				return
			}
			q.release(item)
		default:
			return
		}
	}
}
