package encoder

import (
	"bytes"
	"math"
	"testing"
	"time"

	"go2tv.app/screenrec/media"
)

func timelineFrame(fill byte, pts time.Duration) *media.VideoFrame {
	data := bytes.Repeat([]byte{fill}, 4*2*4)
	return &media.VideoFrame{Width: 4, Height: 2, Format: media.PixelFormatBGRA, Data: data, PTS: pts}
}

func timelineChunk(format media.AudioFormat, frames int, pts time.Duration) *media.AudioChunk {
	data := bytes.Repeat([]byte{0x3f}, frames*format.BytesPerFrame())
	return &media.AudioChunk{Format: format, Frames: frames, Data: [][]byte{data}, PTS: pts}
}

func TestVideoTimelineRepeatsAndSkips(t *testing.T) {
	t.Parallel()

	const fps = 30
	iv := time.Second / fps
	tl := newVideoTimeline(0, fps)
	var out bytes.Buffer

	frames := []*media.VideoFrame{
		timelineFrame(1, 0),
		timelineFrame(2, iv),
		timelineFrame(3, 3*iv),
		timelineFrame(4, 3*iv+time.Millisecond),
		timelineFrame(5, 4*iv),
	}
	for _, f := range frames {
		if err := tl.write(&out, f); err != nil {
			t.Fatal(err)
		}
	}

	size := frames[0].Size()
	if out.Len()%size != 0 {
		t.Fatalf("output %d bytes is not a whole number of frames", out.Len())
	}
	var got []byte
	for off := 0; off < out.Len(); off += size {
		got = append(got, out.Bytes()[off])
	}
	want := []byte{1, 2, 2, 3, 5}
	if !bytes.Equal(got, want) {
		t.Fatalf("slots: got %v, want %v", got, want)
	}
	if tl.repeated != 1 || tl.skipped != 1 {
		t.Fatalf("repeated %d skipped %d, want 1 and 1", tl.repeated, tl.skipped)
	}
	if got, want := tl.Duration(), 5*iv; got != want {
		t.Fatalf("duration: got %v, want %v", got, want)
	}
}

func TestVideoTimelineStartsAtBase(t *testing.T) {
	t.Parallel()

	iv := time.Second / 15
	base := 10 * time.Second
	tl := newVideoTimeline(base, 15)
	var out bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := tl.write(&out, timelineFrame(byte(i), base+time.Duration(i)*iv)); err != nil {
			t.Fatal(err)
		}
	}
	if tl.repeated != 0 || tl.skipped != 0 {
		t.Fatalf("repeated %d skipped %d, want none", tl.repeated, tl.skipped)
	}
	if got, want := tl.Duration(), 3*iv; got != want {
		t.Fatalf("duration: got %v, want %v", got, want)
	}
}

func TestAudioTimelinePadsAndTrims(t *testing.T) {
	t.Parallel()

	format := media.CanonicalFormat()
	bpf := format.BytesPerFrame()
	tl := newAudioTimeline(0, format)
	var out bytes.Buffer

	// 10 ms chunks with the one at 20 ms missing and a late chunk
	// overlapping the previous one by 5 ms.
	for _, pts := range []time.Duration{0, 10 * time.Millisecond, 30 * time.Millisecond, 35 * time.Millisecond} {
		if err := tl.write(&out, timelineChunk(format, 480, pts)); err != nil {
			t.Fatal(err)
		}
	}

	if tl.padded != 480 || tl.trimmed != 240 {
		t.Fatalf("padded %d trimmed %d, want 480 and 240", tl.padded, tl.trimmed)
	}
	if got, want := out.Len(), 2160*bpf; got != want {
		t.Fatalf("wrote %d bytes, want %d", got, want)
	}
	gap := out.Bytes()[960*bpf : 1440*bpf]
	if !bytes.Equal(gap, make([]byte, len(gap))) {
		t.Fatal("gap is not silence")
	}
	if out.Bytes()[1440*bpf] == 0 {
		t.Fatal("audio after the gap is missing")
	}
	if got, want := tl.Duration(), 45*time.Millisecond; got != want {
		t.Fatalf("duration: got %v, want %v", got, want)
	}
}

func TestAudioTimelineDropsChunkBeforeWritten(t *testing.T) {
	t.Parallel()

	format := media.CanonicalFormat()
	tl := newAudioTimeline(time.Second, format)
	var out bytes.Buffer
	if err := tl.write(&out, timelineChunk(format, 480, time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := tl.write(&out, timelineChunk(format, 100, time.Second)); err != nil {
		t.Fatal(err)
	}
	if tl.trimmed != 100 {
		t.Fatalf("trimmed %d, want 100", tl.trimmed)
	}
	if got, want := out.Len(), 480*format.BytesPerFrame(); got != want {
		t.Fatalf("wrote %d bytes, want %d", got, want)
	}
}

// Frames captured at half the recording rate, one of them dropped before the
// writer, with audio clocked to the frame timestamps as the recorder does.
// Both tracks must come out the same length.
func TestTimelinesKeepTracksAlignedWithSlowCaptureAndDrops(t *testing.T) {
	t.Parallel()

	const (
		fps        = 30
		captureFPS = 15
		frames     = 30
		dropped    = 10
	)
	format := media.CanonicalFormat()
	iv := time.Second / fps
	video := newVideoTimeline(0, fps)
	audio := newAudioTimeline(0, format)
	var vout, aout bytes.Buffer

	var emitted int
	for i := 0; i < frames; i++ {
		pts := time.Duration(i) * (time.Second / captureFPS)
		if i != dropped {
			if err := video.write(&vout, timelineFrame(byte(i), pts)); err != nil {
				t.Fatal(err)
			}
		}
		target := int(math.Round((pts + iv).Seconds() * format.SampleRate))
		if n := target - emitted; n > 0 {
			at := time.Duration(float64(emitted) / format.SampleRate * float64(time.Second))
			if err := audio.write(&aout, timelineChunk(format, n, at)); err != nil {
				t.Fatal(err)
			}
			emitted = target
		}
	}

	vd, ad := video.Duration(), audio.Duration()
	if diff := vd - ad; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("video %v and audio %v differ", vd, ad)
	}
	if got, want := vout.Len(), 59*timelineFrame(0, 0).Size(); got != want {
		t.Fatalf("video bytes: got %d, want %d", got, want)
	}
	if video.repeated != 30 {
		t.Fatalf("repeated %d frames, want 30", video.repeated)
	}
}
