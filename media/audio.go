// Package media defines the audio and video payload types that flow from a
// capture source through mixing and into the encoder.
package media

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrMalformedChunk = errors.New("malformed audio chunk")

// SourceID names one audio input of a recording.
type SourceID string

const (
	SourceSystem     SourceID = "system"
	SourceMicrophone SourceID = "microphone"
)

// SampleFormat is the in-memory representation of one audio sample.
type SampleFormat uint8

const (
	SampleInvalid SampleFormat = iota
	SampleInt16
	SampleInt32
	SampleFloat32
	SampleFloat64
)

func (f SampleFormat) String() string {
	switch f {
	case SampleInt16:
		return "s16"
	case SampleInt32:
		return "s32"
	case SampleFloat32:
		return "f32"
	case SampleFloat64:
		return "f64"
	default:
		return "invalid"
	}
}

// Size returns the number of bytes of one sample, or 0 for an invalid format.
func (f SampleFormat) Size() int {
	switch f {
	case SampleInt16:
		return 2
	case SampleInt32, SampleFloat32:
		return 4
	case SampleFloat64:
		return 8
	default:
		return 0
	}
}

// AudioFormat describes the byte layout of an audio payload. Samples are
// always little-endian.
type AudioFormat struct {
	SampleRate  float64
	Channels    int
	Sample      SampleFormat
	Interleaved bool
}

// CanonicalFormat is the default layout every source is converted into.
func CanonicalFormat() AudioFormat {
	return AudioFormat{
		SampleRate:  48000,
		Channels:    2,
		Sample:      SampleFloat32,
		Interleaved: true,
	}
}

func (f AudioFormat) String() string {
	layout := "planar"
	if f.Interleaved || f.Channels == 1 {
		layout = "interleaved"
	}
	return fmt.Sprintf("%gHz/%dch/%s/%s", f.SampleRate, f.Channels, f.Sample, layout)
}

// Validate reports whether the descriptor is structurally usable.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 || math.IsNaN(f.SampleRate) || math.IsInf(f.SampleRate, 0) {
		return fmt.Errorf("invalid sample rate %v", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if f.Sample.Size() == 0 {
		return fmt.Errorf("unsupported sample format %d", f.Sample)
	}
	return nil
}

// Planes returns how many payload buffers a chunk in this format carries.
func (f AudioFormat) Planes() int {
	if f.Interleaved || f.Channels <= 1 {
		return 1
	}
	return f.Channels
}

// BytesPerFrame returns the size of one frame across all channels.
func (f AudioFormat) BytesPerFrame() int {
	return f.Sample.Size() * f.Channels
}

// FramesFor returns how many frames cover d at this format's sample rate.
func (f AudioFormat) FramesFor(d time.Duration) int {
	return int(math.Round(f.SampleRate * d.Seconds()))
}

// AudioChunk is one slice of audio in a single format. Interleaved chunks
// carry one buffer in Data; planar chunks carry one buffer per channel.
type AudioChunk struct {
	Format AudioFormat
	Frames int
	Data   [][]byte
	PTS    time.Duration

	release func()
}

// NewPooledAudioChunk builds a chunk whose buffers are returned to their pool
// by release once the consumer calls Release.
func NewPooledAudioChunk(format AudioFormat, frames int, data [][]byte, pts time.Duration, release func()) *AudioChunk {
	return &AudioChunk{
		Format:  format,
		Frames:  frames,
		Data:    data,
		PTS:     pts,
		release: release,
	}
}

// Validate checks that the payload length matches the declared descriptor.
func (c *AudioChunk) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil chunk", ErrMalformedChunk)
	}
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if c.Frames < 0 {
		return fmt.Errorf("%w: negative frame count %d", ErrMalformedChunk, c.Frames)
	}
	planes := c.Format.Planes()
	if len(c.Data) != planes {
		return fmt.Errorf("%w: %d buffers for %s", ErrMalformedChunk, len(c.Data), c.Format)
	}
	want := c.Frames * c.Format.Sample.Size()
	if planes == 1 {
		want *= c.Format.Channels
	}
	for i, plane := range c.Data {
		if len(plane) != want {
			return fmt.Errorf("%w: plane %d has %d bytes, want %d for %d frames of %s",
				ErrMalformedChunk, i, len(plane), want, c.Frames, c.Format)
		}
	}
	return nil
}

// Duration returns the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c == nil || c.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Frames) / c.Format.SampleRate * float64(time.Second))
}

// Release hands pooled buffers back. It is safe to call on nil chunks and
// more than once.
func (c *AudioChunk) Release() {
	if c == nil || c.release == nil {
		return
	}
	r := c.release
	c.release = nil
	c.Data = nil
	r()
}
