package capture

import (
	"context"
	"errors"
	"sync"
)

// Composite runs several sources as one, e.g. a screen grabber plus the
// microphone and system audio devices.
type Composite struct {
	sources []Source

	mu      sync.Mutex
	started []Source
}

// NewComposite returns a source that starts and stops all of sources.
func NewComposite(sources ...Source) *Composite {
	return &Composite{sources: sources}
}

// Start starts every source in order. If one fails, the ones already running
// are stopped again.
func (c *Composite) Start(ctx context.Context, req Request, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.started) > 0 {
		return ErrRunning
	}

	for _, s := range c.sources {
		if err := s.Start(ctx, req, h); err != nil {
			stopErr := stopAll(c.started)
			c.started = nil
			return errors.Join(err, stopErr)
		}
		c.started = append(c.started, s)
	}
	return nil
}

// Stop stops the running sources in reverse order.
func (c *Composite) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := stopAll(c.started)
	c.started = nil
	return err
}

func stopAll(sources []Source) error {
	var errs []error
	for i := len(sources) - 1; i >= 0; i-- {
		if err := sources[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
