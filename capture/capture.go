// Package capture defines how screen and audio sources deliver data to a
// recording, and provides the sources screenrec ships with.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go2tv.app/screenrec/media"
)

var (
	ErrNotImplemented = errors.New("capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("capture request was cancelled")
	ErrNoStreams      = errors.New("capture returned no streams")
	ErrInvalidOptions = errors.New("invalid capture options")
	ErrRunning        = errors.New("capture source already running")
)

// Region is the rectangle of the screen to record, in pixels. Display selects
// the screen for backends that need it (an X11 display name, or an
// avfoundation screen index).
type Region struct {
	X       int
	Y       int
	Width   int
	Height  int
	Display string
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Validate reports whether the region has a usable size.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: region size %dx%d", ErrInvalidOptions, r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: region offset %d,%d", ErrInvalidOptions, r.X, r.Y)
	}
	return nil
}

// ParseRegion reads the X11 geometry form "WxH+X+Y" (offset optional).
func ParseRegion(s string) (Region, error) {
	s = strings.TrimSpace(s)
	var r Region
	size, offset, hasOffset := strings.Cut(s, "+")
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return r, fmt.Errorf("%w: region %q, want WxH+X+Y", ErrInvalidOptions, s)
	}
	var err error
	if r.Width, err = strconv.Atoi(w); err != nil {
		return r, fmt.Errorf("%w: region width %q", ErrInvalidOptions, w)
	}
	if r.Height, err = strconv.Atoi(h); err != nil {
		return r, fmt.Errorf("%w: region height %q", ErrInvalidOptions, h)
	}
	if hasOffset {
		x, y, ok := strings.Cut(offset, "+")
		if !ok {
			return r, fmt.Errorf("%w: region offset %q, want X+Y", ErrInvalidOptions, offset)
		}
		if r.X, err = strconv.Atoi(x); err != nil {
			return r, fmt.Errorf("%w: region x %q", ErrInvalidOptions, x)
		}
		if r.Y, err = strconv.Atoi(y); err != nil {
			return r, fmt.Errorf("%w: region y %q", ErrInvalidOptions, y)
		}
	}
	return r, r.Validate()
}

// Request says what a source should capture for one recording.
type Request struct {
	Region    Region
	FrameRate int
	// Audio lists the audio inputs the recording wants. Sources ignore IDs
	// they do not provide.
	Audio []media.SourceID
}

// Wants reports whether id is among the requested audio inputs.
func (r Request) Wants(id media.SourceID) bool {
	for _, a := range r.Audio {
		if a == id {
			return true
		}
	}
	return false
}

// Handler receives captured data. Calls arrive on the source's own
// goroutines, video and each audio input possibly in parallel, and must not
// block. The handler owns what it receives and calls Release when done.
type Handler interface {
	HandleVideo(frame *media.VideoFrame)
	HandleAudio(id media.SourceID, chunk *media.AudioChunk)
}

// Source produces frames and audio for a Handler between Start and Stop.
// After Stop returns the handler is not called again.
type Source interface {
	Start(ctx context.Context, req Request, h Handler) error
	Stop() error
}
