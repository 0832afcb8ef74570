package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/bufpool"
	"go2tv.app/screenrec/media"
)

// Tone is one generated audio input of a Synthetic source.
type Tone struct {
	Source    media.SourceID
	Format    media.AudioFormat
	Frequency float64
	Amplitude float64
}

// SyntheticOptions configures a Synthetic source.
type SyntheticOptions struct {
	Tones []Tone
	// AudioPeriod is the length of each generated chunk. Defaults to 10ms.
	AudioPeriod time.Duration
}

// Synthetic generates a moving test pattern and sine tones in real time.
// It needs no screen or audio hardware.
type Synthetic struct {
	opts SyntheticOptions

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSynthetic returns an idle synthetic source.
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	if opts.AudioPeriod <= 0 {
		opts.AudioPeriod = 10 * time.Millisecond
	}
	return &Synthetic{opts: opts}
}

// DefaultTones returns a 16 kHz mono int16 microphone and a 44.1 kHz stereo
// float32 system source, which differ from the canonical format in every
// respect.
func DefaultTones() []Tone {
	return []Tone{
		{
			Source:    media.SourceMicrophone,
			Format:    media.AudioFormat{SampleRate: 16000, Channels: 1, Sample: media.SampleInt16, Interleaved: true},
			Frequency: 440,
			Amplitude: 0.3,
		},
		{
			Source:    media.SourceSystem,
			Format:    media.AudioFormat{SampleRate: 44100, Channels: 2, Sample: media.SampleFloat32},
			Frequency: 660,
			Amplitude: 0.3,
		},
	}
}

func (s *Synthetic) Start(ctx context.Context, req Request, h Handler) error {
	if err := req.Region.Validate(); err != nil {
		return err
	}
	if req.FrameRate <= 0 {
		return ErrInvalidOptions
	}
	for _, t := range s.opts.Tones {
		if req.Wants(t.Source) {
			if err := t.Format.Validate(); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	start := time.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.video(runCtx, req, h, start)
	}()
	for _, t := range s.opts.Tones {
		if !req.Wants(t.Source) {
			continue
		}
		s.wg.Add(1)
		go func(t Tone) {
			defer s.wg.Done()
			s.tone(runCtx, t, h, start)
		}(t)
	}
	return nil
}

func (s *Synthetic) video(ctx context.Context, req Request, h Handler, start time.Time) {
	w, hgt := req.Region.Width, req.Region.Height
	pool := bufpool.New[byte](w*hgt*4, 4)
	tick := time.NewTicker(time.Second / time.Duration(req.FrameRate))
	defer tick.Stop()

	for n := 0; ; n++ {
		buf := pool.Get(pool.Size())
		drawPattern(buf, w, hgt, n)
		frame := media.NewPooledVideoFrame(w, hgt, media.PixelFormatBGRA, buf, time.Since(start), func() { pool.Put(buf) })
		h.HandleVideo(frame)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// drawPattern fills a gray background with a vertical bar that moves one
// step per frame.
func drawPattern(buf []byte, w, h, n int) {
	bar := w / 8
	if bar < 1 {
		bar = 1
	}
	x0 := (n * 4) % w
	for y := 0; y < h; y++ {
		row := buf[y*w*4 : (y+1)*w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			v := byte(40)
			if x >= x0 && x < x0+bar {
				v = 220
			}
			p[0], p[1], p[2], p[3] = v, v, byte(y*255/h), 255
		}
	}
}

func (s *Synthetic) tone(ctx context.Context, t Tone, h Handler, start time.Time) {
	frames := t.Format.FramesFor(s.opts.AudioPeriod)
	if frames < 1 {
		frames = 1
	}
	tick := time.NewTicker(s.opts.AudioPeriod)
	defer tick.Stop()

	phase := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		chunk := SineChunk(t, phase, frames, time.Since(start))
		phase += frames
		h.HandleAudio(t.Source, chunk)
	}
}

// SineChunk renders frames of t starting at sample index phase, in t's
// format.
func SineChunk(t Tone, phase, frames int, pts time.Duration) *media.AudioChunk {
	f := t.Format
	size := f.Sample.Size()
	planes := f.Planes()
	perPlane := frames * size
	if planes == 1 {
		perPlane *= f.Channels
	}
	data := make([][]byte, planes)
	for i := range data {
		data[i] = make([]byte, perPlane)
	}

	for i := 0; i < frames; i++ {
		v := t.Amplitude * math.Sin(2*math.Pi*t.Frequency*float64(phase+i)/f.SampleRate)
		for ch := 0; ch < f.Channels; ch++ {
			plane, off := 0, (i*f.Channels+ch)*size
			if planes > 1 {
				plane, off = ch, i*size
			}
			putSample(data[plane][off:], f.Sample, v)
		}
	}
	return &media.AudioChunk{Format: f, Frames: frames, Data: data, PTS: pts}
}

func putSample(b []byte, f media.SampleFormat, v float64) {
	switch f {
	case media.SampleInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(v*math.MaxInt16))))
	case media.SampleInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(v*math.MaxInt32))))
	case media.SampleFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case media.SampleFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()
	s.wg.Wait()
	return nil
}
