package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/dropqueue"
)

const (
	defaultVideoQueue = 4
	defaultAudioQueue = 256

	defaultFirstFrameTimeout = 8 * time.Second
)

// delivery moves items from a capture callback to the handler on its own
// goroutine, so a slow handler costs dropped items instead of a stalled
// device thread.
type delivery[T any] struct {
	q       *dropqueue.Queue[T]
	release func(T)
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func startDelivery[T any](name string, size int, release func(T), deliver func(T), log *slog.Logger) *delivery[T] {
	d := &delivery[T]{
		q:       dropqueue.New(name, size, release, log),
		release: release,
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.done:
				return
			case v := <-d.q.C():
				deliver(v)
			}
		}
	}()
	return d
}

func (d *delivery[T]) push(v T) {
	if d.stopped.Load() {
		d.release(v)
		return
	}
	d.q.Push(v)
}

func (d *delivery[T]) dropped() uint64 {
	return d.q.Dropped()
}

// stop waits for an in-flight delivery and releases what is still queued.
func (d *delivery[T]) stop() {
	d.once.Do(func() {
		d.stopped.Store(true)
		close(d.done)
		d.wg.Wait()
		d.q.Drain()
	})
}

func waitForFirstFrame(backend string, ready <-chan struct{}, failed <-chan error, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case err := <-failed:
		return fmt.Errorf("%s capture failed before the first frame: %w", backend, err)
	case <-t.C:
		return fmt.Errorf("%s capture timed out waiting for first frame", backend)
	}
}
