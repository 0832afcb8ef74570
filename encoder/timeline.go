package encoder

import (
	"io"
	"math"
	"time"

	"go2tv.app/screenrec/media"
)

// audioJitterFrames is how far a chunk may start from the end of the
// previous one and still be written back to back.
const audioJitterFrames = 2

// videoTimeline places frames on the constant-rate slots ffmpeg numbers raw
// frames by. A slot left empty repeats the previous frame. A frame landing
// on a slot that is already filled is skipped.
type videoTimeline struct {
	base     time.Duration
	interval time.Duration
	next     int64
	last     []byte

	repeated int64
	skipped  int64
}

func newVideoTimeline(base time.Duration, fps int) *videoTimeline {
	return &videoTimeline{base: base, interval: time.Second / time.Duration(fps)}
}

func (t *videoTimeline) slot(pts time.Duration) int64 {
	return int64(math.Round(float64(pts-t.base) / float64(t.interval)))
}

// write sends f, plus any repeats needed before it, to w. f.Data must be
// tightly packed.
func (t *videoTimeline) write(w io.Writer, f *media.VideoFrame) error {
	data := f.Data[:f.Size()]
	slot := t.slot(f.PTS)
	if slot < t.next {
		t.skipped++
		return nil
	}
	fill := t.last
	if fill == nil {
		fill = data
	}
	for ; t.next < slot; t.next++ {
		if _, err := w.Write(fill); err != nil {
			return err
		}
		t.repeated++
	}
	t.last = append(t.last[:0], data...)
	t.next++
	_, err := w.Write(data)
	return err
}

// Duration is the length of the video written so far.
func (t *videoTimeline) Duration() time.Duration {
	return time.Duration(t.next) * t.interval
}

// audioTimeline places interleaved chunks at their presentation time. Gaps
// are written as silence and audio overlapping what was already written is
// trimmed.
type audioTimeline struct {
	base       time.Duration
	rate       float64
	frameBytes int
	next       int64
	zeros      []byte

	padded  int64
	trimmed int64
}

func newAudioTimeline(base time.Duration, format media.AudioFormat) *audioTimeline {
	return &audioTimeline{
		base:       base,
		rate:       format.SampleRate,
		frameBytes: format.BytesPerFrame(),
	}
}

func (t *audioTimeline) write(w io.Writer, c *media.AudioChunk) error {
	data := c.Data[0][:c.Frames*t.frameBytes]
	start := int64(math.Round((c.PTS - t.base).Seconds() * t.rate))
	if d := start - t.next; d >= -audioJitterFrames && d <= audioJitterFrames {
		start = t.next
	}
	if start < t.next {
		skip := t.next - start
		if skip >= int64(c.Frames) {
			t.trimmed += int64(c.Frames)
			return nil
		}
		data = data[skip*int64(t.frameBytes):]
		t.trimmed += skip
		start = t.next
	}
	if gap := start - t.next; gap > 0 {
		if err := t.silence(w, gap); err != nil {
			return err
		}
		t.padded += gap
	}
	t.next = start + int64(len(data)/t.frameBytes)
	_, err := w.Write(data)
	return err
}

func (t *audioTimeline) silence(w io.Writer, frames int64) error {
	if t.zeros == nil {
		t.zeros = make([]byte, int(t.rate/10)*t.frameBytes)
	}
	for remaining := frames * int64(t.frameBytes); remaining > 0; {
		n := min(remaining, int64(len(t.zeros)))
		if _, err := w.Write(t.zeros[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// Duration is the length of the audio written so far.
func (t *audioTimeline) Duration() time.Duration {
	return time.Duration(float64(t.next) * float64(time.Second) / t.rate)
}
