package audio

import (
	"errors"
	"math"
	"testing"
	"time"

	"go2tv.app/screenrec/media"
)

func newTestMixer(t *testing.T, opts MixerOptions) *Mixer {
	t.Helper()
	if opts.Output == (media.AudioFormat{}) {
		opts.Output = media.CanonicalFormat()
	}
	if opts.Sources == nil {
		opts.Sources = []media.SourceID{media.SourceSystem, media.SourceMicrophone}
	}
	m, err := NewMixer(opts)
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	return m
}

func mixedSamples(t *testing.T, c *media.AudioChunk) []float32 {
	t.Helper()
	if c == nil {
		t.Fatal("MixNext returned nil")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("mixed chunk invalid: %v", err)
	}
	return DecodeFloat32(nil, c.Data[0])
}

func TestMixerNoDataReturnsNil(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{})
	if c := m.MixNext(0); c != nil {
		t.Fatalf("got %d frames from empty mixer", c.Frames)
	}
}

func TestMixerSilentSourceContributesNothing(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{})
	canonical := media.CanonicalFormat()
	if err := m.Submit(media.SourceMicrophone, makeChunk(canonical, 480, constant(0))); err != nil {
		t.Fatal(err)
	}
	for i, s := range mixedSamples(t, m.MixNext(0)) {
		if s != 0 {
			t.Fatalf("sample %d: got %v, want 0", i, s)
		}
	}

	if err := m.Submit(media.SourceMicrophone, makeChunk(canonical, 480, constant(0.5))); err != nil {
		t.Fatal(err)
	}
	want := float32(math.Tanh(0.5))
	for i, s := range mixedSamples(t, m.MixNext(0)) {
		if s != want {
			t.Fatalf("sample %d: got %v, want %v", i, s, want)
		}
	}
}

func TestMixerTruncatesToShortestAndKeepsRemainder(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{})
	canonical := media.CanonicalFormat()
	if err := m.Submit(media.SourceSystem, makeChunk(canonical, 100, constant(0.25))); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(media.SourceMicrophone, makeChunk(canonical, 60, constant(0.25))); err != nil {
		t.Fatal(err)
	}

	c := m.MixNext(time.Second)
	if c.Frames != 60 {
		t.Fatalf("first mix: got %d frames, want 60", c.Frames)
	}
	if c.PTS != time.Second {
		t.Fatalf("pts: got %v, want 1s", c.PTS)
	}
	want := float32(math.Tanh(0.5))
	for i, s := range mixedSamples(t, c) {
		if s != want {
			t.Fatalf("sample %d: got %v, want %v", i, s, want)
		}
	}
	c.Release()

	if got := m.Pending(media.SourceSystem); got != 40 {
		t.Fatalf("system pending: got %d, want 40", got)
	}
	if got := m.Pending(media.SourceMicrophone); got != 0 {
		t.Fatalf("microphone pending: got %d, want 0", got)
	}

	c = m.MixNext(2 * time.Second)
	if c.Frames != 40 {
		t.Fatalf("second mix: got %d frames, want 40", c.Frames)
	}
	want = float32(math.Tanh(0.25))
	for i, s := range mixedSamples(t, c) {
		if s != want {
			t.Fatalf("remainder sample %d: got %v, want %v", i, s, want)
		}
	}
	if c := m.MixNext(0); c != nil {
		t.Fatal("consumed audio was mixed again")
	}

	st := m.Stats()
	if st.Ticks != 2 || st.MixedFrames != 100 {
		t.Fatalf("stats: ticks %d frames %d", st.Ticks, st.MixedFrames)
	}
}

func TestMixerDeviceChangeDiscardsOldFormat(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{Sources: []media.SourceID{media.SourceMicrophone}})
	old := media.CanonicalFormat()
	for i := 0; i < 3; i++ {
		if err := m.Submit(media.SourceMicrophone, makeChunk(old, 480, constant(0.9))); err != nil {
			t.Fatal(err)
		}
	}

	next := media.AudioFormat{SampleRate: 16000, Channels: 1, Sample: media.SampleInt16, Interleaved: true}
	if err := m.Submit(media.SourceMicrophone, makeChunk(next, 160, constant(0))); err != nil {
		t.Fatal(err)
	}
	if got := m.Pending(media.SourceMicrophone); got > 480 {
		t.Fatalf("pending after device change: got %d frames, old audio kept", got)
	}

	for i, s := range mixedSamples(t, m.MixNext(0)) {
		if s != 0 {
			t.Fatalf("sample %d: got %v, old-format audio leaked into mix", i, s)
		}
	}
	if got := m.Stats().DeviceChanges; got != 1 {
		t.Fatalf("device changes: got %d, want 1", got)
	}
}

func TestMixerWeightedGains(t *testing.T) {
	t.Parallel()

	canonical := media.CanonicalFormat()
	tests := []struct {
		name     string
		gains    map[media.SourceID]float64
		sys, mic float32
		want     float32
	}{
		{"weighted sum", map[media.SourceID]float64{media.SourceSystem: 0.5, media.SourceMicrophone: 0.25}, 1, 1, 0.75},
		{"missing gain defaults to one", map[media.SourceID]float64{media.SourceSystem: 0.5}, 0.5, 0.25, 0.5},
		{"clamped", map[media.SourceID]float64{media.SourceSystem: 1, media.SourceMicrophone: 1}, 0.8, 0.8, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newTestMixer(t, MixerOptions{Gains: tt.gains})
			if err := m.Submit(media.SourceSystem, makeChunk(canonical, 10, constant(tt.sys))); err != nil {
				t.Fatal(err)
			}
			if err := m.Submit(media.SourceMicrophone, makeChunk(canonical, 10, constant(tt.mic))); err != nil {
				t.Fatal(err)
			}
			for i, s := range mixedSamples(t, m.MixNext(0)) {
				if s != tt.want {
					t.Fatalf("sample %d: got %v, want %v", i, s, tt.want)
				}
			}
		})
	}
}

func TestMixerRejectsMalformedAndUnknown(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{Sources: []media.SourceID{media.SourceSystem}})
	canonical := media.CanonicalFormat()

	short := makeChunk(canonical, 10, constant(0.1))
	short.Frames = 20
	if err := m.Submit(media.SourceSystem, short); !errors.Is(err, media.ErrMalformedChunk) {
		t.Fatalf("short payload: got %v, want ErrMalformedChunk", err)
	}
	if got := m.Stats().MalformedChunks; got != 1 {
		t.Fatalf("malformed counter: got %d, want 1", got)
	}
	if got := m.Pending(media.SourceSystem); got != 0 {
		t.Fatalf("malformed chunk queued %d frames", got)
	}

	if err := m.Submit(media.SourceMicrophone, makeChunk(canonical, 10, constant(0))); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("disabled source: got %v, want ErrUnknownSource", err)
	}
}

func TestMixerPendingIsBounded(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{MaxPending: 10 * time.Millisecond})
	canonical := media.CanonicalFormat()
	if err := m.Submit(media.SourceSystem, makeChunk(canonical, 1000, func(fr, _ int) float32 {
		return float32(fr) / 1000
	})); err != nil {
		t.Fatal(err)
	}
	if got := m.Pending(media.SourceSystem); got != 480 {
		t.Fatalf("pending: got %d, want 480", got)
	}
	if got := m.Stats().OverflowFrames; got != 520 {
		t.Fatalf("overflow frames: got %d, want 520", got)
	}

	// The newest audio survives.
	s := mixedSamples(t, m.MixNext(0))
	if s[0] != float32(math.Tanh(float64(float32(520)/1000))) {
		t.Fatalf("oldest kept sample: got %v", s[0])
	}
}

func TestMixerSilenceAndLevels(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{})
	c := m.Silence(480, 5*time.Millisecond)
	if c.Frames != 480 || c.PTS != 5*time.Millisecond {
		t.Fatalf("silence: %d frames at %v", c.Frames, c.PTS)
	}
	for i, s := range mixedSamples(t, c) {
		if s != 0 {
			t.Fatalf("silence sample %d is %v", i, s)
		}
	}
	c.Release()

	canonical := media.CanonicalFormat()
	if err := m.Submit(media.SourceSystem, makeChunk(canonical, 48, constant(0.5))); err != nil {
		t.Fatal(err)
	}
	m.MixNext(0).Release()
	levels := m.Stats().Levels
	if math.Abs(levels[media.SourceSystem]-0.5) > 1e-6 {
		t.Fatalf("system level: got %v, want 0.5", levels[media.SourceSystem])
	}
	if levels[media.SourceMicrophone] != 0 {
		t.Fatalf("microphone level: got %v, want 0", levels[media.SourceMicrophone])
	}

	if err := m.Submit(media.SourceSystem, makeChunk(canonical, 48, constant(0.5))); err != nil {
		t.Fatal(err)
	}
	m.Reset()
	if c := m.MixNext(0); c != nil {
		t.Fatal("audio queued before Reset was mixed")
	}
	mono := media.AudioFormat{SampleRate: 16000, Channels: 1, Sample: media.SampleInt16, Interleaved: true}
	if err := m.Submit(media.SourceSystem, makeChunk(mono, 160, constant(0.25))); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats().DeviceChanges; got != 0 {
		t.Fatalf("format after Reset counted as device change: %d", got)
	}
	if got := m.Pending(media.SourceSystem); got == 0 {
		t.Fatal("audio after Reset not queued")
	}
}

func TestMixerRejectsNonFloatOutput(t *testing.T) {
	t.Parallel()

	_, err := NewMixer(MixerOptions{
		Output:  media.AudioFormat{SampleRate: 48000, Channels: 2, Sample: media.SampleInt16, Interleaved: true},
		Sources: []media.SourceID{media.SourceSystem},
	})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestMixerMixUpToLimitsOutput(t *testing.T) {
	t.Parallel()

	m := newTestMixer(t, MixerOptions{Sources: []media.SourceID{media.SourceMicrophone}})
	if err := m.Submit(media.SourceMicrophone, makeChunk(media.CanonicalFormat(), 100, constant(0.5))); err != nil {
		t.Fatal(err)
	}

	c := m.MixUpTo(30, 0)
	if c.Frames != 30 {
		t.Fatalf("got %d frames, want 30", c.Frames)
	}
	c.Release()
	if got := m.Pending(media.SourceMicrophone); got != 70 {
		t.Fatalf("pending: got %d, want 70", got)
	}
	c = m.MixUpTo(0, 0)
	if c.Frames != 70 {
		t.Fatalf("unlimited: got %d frames, want 70", c.Frames)
	}
	c.Release()
}
