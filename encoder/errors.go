package encoder

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrConfiguration means the writer or its tracks could not be set up.
	ErrConfiguration = errors.New("encoder configuration error")
	// ErrEncoding means the writer failed. It is fatal to the session.
	ErrEncoding = errors.New("encoding failed")
	// ErrFileSystem wraps errors from the output directory. The message
	// tells the user what to fix.
	ErrFileSystem = errors.New("file system error")
	// ErrDropped is returned when a track stayed busy for the whole
	// backpressure window. The sample is discarded and recording continues.
	ErrDropped = errors.New("writer busy, sample dropped")
	// ErrNonMonotonic is returned for a presentation time that does not
	// advance past the previous one on the same track.
	ErrNonMonotonic = errors.New("presentation time must increase")
	// ErrCancelled is returned by calls made during or after Cancel.
	ErrCancelled = errors.New("encoder cancelled")
	// ErrNotStarted is returned by calls made before Start or after Finish.
	ErrNotStarted = errors.New("encoder not started")
)

// fileSystemError turns an OS error into an ErrFileSystem with a message a
// user can act on.
func fileSystemError(path string, err error) error {
	var msg string
	switch {
	case errors.Is(err, syscall.ENOSPC):
		msg = fmt.Sprintf("not enough disk space to write %s, free some space and try again", path)
	case errors.Is(err, os.ErrPermission):
		msg = fmt.Sprintf("no permission to write %s, choose another output directory", path)
	case errors.Is(err, os.ErrNotExist):
		msg = fmt.Sprintf("%s does not exist, create it or choose another output directory", path)
	default:
		msg = fmt.Sprintf("cannot write %s", path)
	}
	return fmt.Errorf("%w: %s: %w", ErrFileSystem, msg, err)
}
