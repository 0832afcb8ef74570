package encoder

import (
	"context"
	"log/slog"

	"go2tv.app/screenrec/media"
)

// WriterConfig describes the file a Writer must produce.
type WriterConfig struct {
	// Path is where the finished file must be when Finish returns. It lives
	// inside WorkDir.
	Path string
	// WorkDir is private scratch space, removed by the Encoder.
	WorkDir string

	// Input frame geometry.
	Width       int
	Height      int
	PixelFormat media.PixelFormat
	// Output geometry. Equal to the input unless the recording is scaled.
	OutputWidth  int
	OutputHeight int

	FrameRate        int
	Bitrate          int
	KeyframeInterval int

	Audio       bool
	AudioFormat media.AudioFormat

	Log *slog.Logger
}

// Writer turns frames and audio into a media file. The Encoder serializes all
// calls except Abort, which may arrive at any time.
type Writer interface {
	// VideoReady and AudioReady report whether the track accepts more data
	// right now. They must not block.
	VideoReady() bool
	AudioReady() bool

	// WriteVideo queues a frame. The writer owns frame from here on and
	// calls Release when done with it, also on error. When keyframe is set
	// the frame must be encoded as a keyframe that does not depend on any
	// earlier frame.
	WriteVideo(frame *media.VideoFrame, keyframe bool) error
	// WriteAudio queues a chunk in the configured audio format with the same
	// ownership rules as WriteVideo.
	WriteAudio(chunk *media.AudioChunk) error

	// Finish flushes everything and completes the file at Path.
	Finish(ctx context.Context) error
	// Abort stops all work as fast as possible. Files may be left in WorkDir.
	Abort()
	// Err returns the first asynchronous failure, if any.
	Err() error
}

// WriterFactory creates a Writer for one recording.
type WriterFactory func(cfg WriterConfig) (Writer, error)

// describer is implemented by writers that can name their codec setup.
type describer interface {
	Describe() string
}
