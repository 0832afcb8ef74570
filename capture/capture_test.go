package capture

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gen2brain/malgo"

	"go2tv.app/screenrec/media"
)

func TestParseRegion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Region
		wantErr bool
	}{
		{in: "1920x1080+0+0", want: Region{Width: 1920, Height: 1080}},
		{in: "800x600+100+50", want: Region{X: 100, Y: 50, Width: 800, Height: 600}},
		{in: " 640x480 ", want: Region{Width: 640, Height: 480}},
		{in: "640", wantErr: true},
		{in: "0x480", wantErr: true},
		{in: "640x480+10", wantErr: true},
		{in: "axb", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRegion(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOptions) {
					t.Fatalf("got %v, want ErrInvalidOptions", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGrabInputArgs(t *testing.T) {
	t.Parallel()

	r := Region{X: 10, Y: 20, Width: 640, Height: 360, Display: ":1"}
	tests := []struct {
		goos string
		want []string
	}{
		{"linux", []string{"-f", "x11grab", "-video_size", "640x360", "-i", ":1+10,20"}},
		{"windows", []string{"-f", "gdigrab", "-offset_x", "10", "-offset_y", "20", "-i", "desktop"}},
		{"darwin", []string{"-f", "avfoundation", "-i", ":1:none", "-vf", "crop=640:360:10:20"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.goos, func(t *testing.T) {
			t.Parallel()
			got, err := grabInputArgs(tt.goos, r, 30, true)
			if err != nil {
				t.Fatal(err)
			}
			joined := strings.Join(got, " ")
			for i := 0; i < len(tt.want); i += 2 {
				pair := tt.want[i] + " " + tt.want[i+1]
				if !strings.Contains(joined, pair) {
					t.Errorf("args %q missing %q", joined, pair)
				}
			}
			if !slices.Contains(got, "30") {
				t.Errorf("args %q missing frame rate", joined)
			}
		})
	}

	if _, err := grabInputArgs("plan9", r, 30, true); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("plan9: got %v, want ErrNotImplemented", err)
	}
}

type fakeSource struct {
	name    string
	failErr error
	log     *[]string
	mu      *sync.Mutex
}

func (f *fakeSource) Start(context.Context, Request, Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestCompositeStartsAndStopsInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		log []string
	)
	c := NewComposite(
		&fakeSource{name: "video", log: &log, mu: &mu},
		&fakeSource{name: "mic", log: &log, mu: &mu},
	)
	if err := c.Start(context.Background(), Request{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), Request{}, nil); !errors.Is(err, ErrRunning) {
		t.Fatalf("second start: got %v, want ErrRunning", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	want := []string{"start video", "start mic", "stop mic", "stop video"}
	if !slices.Equal(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
}

func TestCompositeRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		log []string
	)
	boom := errors.New("no device")
	c := NewComposite(
		&fakeSource{name: "video", log: &log, mu: &mu},
		&fakeSource{name: "mic", failErr: boom, log: &log, mu: &mu},
	)
	if err := c.Start(context.Background(), Request{}, nil); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	want := []string{"start video", "stop video"}
	if !slices.Equal(log, want) {
		t.Fatalf("got %v, want %v", log, want)
	}
}

type collector struct {
	mu     sync.Mutex
	frames int
	chunks map[media.SourceID]int
	errs   []error
	stops  bool
}

func (c *collector) HandleVideo(f *media.VideoFrame) {
	defer f.Release()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stops {
		c.errs = append(c.errs, errors.New("video after stop"))
	}
	if err := f.Validate(); err != nil {
		c.errs = append(c.errs, err)
	}
	c.frames++
}

func (c *collector) HandleAudio(id media.SourceID, chunk *media.AudioChunk) {
	defer chunk.Release()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stops {
		c.errs = append(c.errs, errors.New("audio after stop"))
	}
	if err := chunk.Validate(); err != nil {
		c.errs = append(c.errs, err)
	}
	if c.chunks == nil {
		c.chunks = map[media.SourceID]int{}
	}
	c.chunks[id]++
}

func TestSyntheticDeliversRequestedSources(t *testing.T) {
	t.Parallel()

	s := NewSynthetic(SyntheticOptions{Tones: DefaultTones()})
	h := &collector{}
	req := Request{
		Region:    Region{Width: 32, Height: 16},
		FrameRate: 50,
		Audio:     []media.SourceID{media.SourceMicrophone},
	}
	if err := s.Start(context.Background(), req, h); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	h.mu.Lock()
	h.stops = true
	frames, mic, sys := h.frames, h.chunks[media.SourceMicrophone], h.chunks[media.SourceSystem]
	errs := h.errs
	h.mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) > 0 || len(errs) > 0 {
		t.Fatalf("handler errors: %v", h.errs)
	}
	if frames < 2 {
		t.Fatalf("frames: got %d, want at least 2", frames)
	}
	if mic < 2 {
		t.Fatalf("microphone chunks: got %d, want at least 2", mic)
	}
	if sys != 0 {
		t.Fatalf("system chunks: got %d, want 0 (not requested)", sys)
	}
}

func TestSineChunkMatchesFormat(t *testing.T) {
	t.Parallel()

	for _, tone := range DefaultTones() {
		c := SineChunk(tone, 0, 160, 0)
		if err := c.Validate(); err != nil {
			t.Fatalf("%s: %v", tone.Source, err)
		}
		if c.Frames != 160 {
			t.Fatalf("%s: frames %d", tone.Source, c.Frames)
		}
	}
}

func TestSampleFormatMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     malgo.FormatType
		want   media.SampleFormat
		wantOK bool
	}{
		{malgo.FormatS16, media.SampleInt16, true},
		{malgo.FormatS32, media.SampleInt32, true},
		{malgo.FormatF32, media.SampleFloat32, true},
		{malgo.FormatU8, media.SampleInvalid, false},
		{malgo.FormatS24, media.SampleInvalid, false},
	}
	for _, tt := range tests {
		tt := tt
		got, ok := sampleFormatFromMalgo(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("format %v: got %v/%v, want %v/%v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
	if got := malgoFormat(media.SampleInvalid); got != malgo.FormatUnknown {
		t.Errorf("invalid maps to %v, want unknown", got)
	}
	if got := malgoFormat(media.SampleFloat64); got != malgo.FormatF32 {
		t.Errorf("f64 maps to %v, want f32", got)
	}
}
