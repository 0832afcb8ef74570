package recorder

import (
	"log/slog"
	"time"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/media"
)

const defaultDurationTick = 500 * time.Millisecond

// Inhibitor keeps the machine from sleeping or locking the screen while a
// recording runs.
type Inhibitor interface {
	Inhibit(reason string) (release func(), err error)
}

// Options holds the collaborators of a Coordinator. The zero value records
// with ffmpeg and the canonical audio format.
type Options struct {
	Log *slog.Logger
	// NewWriter overrides the ffmpeg writer built from the settings.
	NewWriter encoder.WriterFactory
	Inhibitor Inhibitor
	Now       func() time.Time
	// Format is the canonical audio format of every recording.
	Format media.AudioFormat

	// DurationTick is the OnDuration period.
	DurationTick time.Duration
	// OnDuration receives the recorded duration while recording. It runs on
	// its own goroutine and must not call back into the Coordinator.
	OnDuration    func(time.Duration)
	OnStateChange func(from, to State)
	// OnError reports failures that move the Coordinator to Failed.
	OnError func(error)
}

// Session describes the recording in progress.
type Session struct {
	ID         string
	OutputPath string
	Region     capture.Region
	FrameRate  int
	// Width and Height are the captured size; OutputWidth and OutputHeight
	// the encoded one.
	Width        int
	Height       int
	OutputWidth  int
	OutputHeight int
	Audio        []media.SourceID
	StartedAt    time.Time
}

// Result describes a finished recording.
type Result struct {
	Path      string
	SessionID string
	// Duration is the media duration of the video track.
	Duration time.Duration
	Width    int
	Height   int
	Size     int64
}

// Status is a snapshot for diagnostics and progress display.
type Status struct {
	State      State
	SessionID  string
	OutputPath string
	// Elapsed is wall-clock recording time without pauses.
	Elapsed time.Duration
	Paused  time.Duration

	VideoFrames   uint64
	VideoDropped  uint64
	VideoRejected uint64
	AudioChunks   uint64
	SilenceFrames int64
	// Frames that arrived while paused.
	PausedFrames uint64
	// Input queue overflows before the encoder saw the data.
	InputVideoDropped uint64
	InputAudioDropped uint64

	Encoder encoder.Stats
	Mixer   audio.MixerStats
	// Err is the failure that moved the Coordinator to Failed.
	Err error
}
