package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/bufpool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

// ErrUnknownSource is returned by Submit for sources the mixer was not
// configured with.
var ErrUnknownSource = errors.New("audio source not enabled")

const (
	defaultMaxPending = time.Second
	malformedLogEvery = 2 * time.Second
)

// MixerOptions configures a Mixer.
type MixerOptions struct {
	// Output is the canonical format. It must be interleaved float32.
	Output media.AudioFormat
	// Sources lists the enabled inputs in mixing order.
	Sources []media.SourceID
	// Gains switches the mixer from soft clipping to a weighted sum. Sources
	// missing from a non-empty map get gain 1.
	Gains map[media.SourceID]float64
	// MaxPending bounds the converted audio held per source. Older audio is
	// dropped when a source runs ahead. Defaults to one second.
	MaxPending time.Duration
	// Resampler overrides the linear resampler.
	Resampler ResamplerFactory
	// PoolBuffers preallocates this many output buffers.
	PoolBuffers int
	Log         *slog.Logger
}

// MixerStats is a snapshot of mixer counters.
type MixerStats struct {
	DeviceChanges   int64
	MalformedChunks int64
	OverflowFrames  int64
	Ticks           int64
	MixedFrames     int64
	// Levels holds the RMS of each source's contribution to the last mix.
	Levels map[media.SourceID]float64
}

type sourceState struct {
	id        media.SourceID
	format    media.AudioFormat
	hasFormat bool
	conv      *Converter
	pending   []float32
	gain      float32
	level     float64
}

// Mixer combines per-source audio into one stream in the output format.
// Submit and MixNext may be called from different goroutines.
type Mixer struct {
	log          *slog.Logger
	out          media.AudioFormat
	weighted     bool
	maxPending   int
	newResampler ResamplerFactory
	pool         *bufpool.Pool[byte]

	mu      sync.Mutex
	order   []*sourceState
	sources map[media.SourceID]*sourceState
	stats   MixerStats

	lastMalformedLog atomic.Int64
}

// NewMixer validates opts and builds a mixer with empty per-source state.
func NewMixer(opts MixerOptions) (*Mixer, error) {
	if err := opts.Output.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if opts.Output.Sample != media.SampleFloat32 || opts.Output.Planes() != 1 {
		return nil, fmt.Errorf("%w: mixer output must be interleaved f32, got %s", ErrUnsupportedFormat, opts.Output)
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.Resampler == nil {
		opts.Resampler = NewLinearResampler
	}

	maxFrames := opts.Output.FramesFor(opts.MaxPending)
	if maxFrames < 1 {
		maxFrames = 1
	}
	m := &Mixer{
		log:          logging.Component(opts.Log, "mixer"),
		out:          opts.Output,
		weighted:     len(opts.Gains) > 0,
		maxPending:   maxFrames * opts.Output.Channels,
		newResampler: opts.Resampler,
		pool:         bufpool.New[byte](maxFrames*opts.Output.BytesPerFrame(), opts.PoolBuffers),
		sources:      make(map[media.SourceID]*sourceState, len(opts.Sources)),
	}
	for _, id := range opts.Sources {
		if _, dup := m.sources[id]; dup {
			continue
		}
		st := &sourceState{
			id:      id,
			gain:    1,
			pending: make([]float32, 0, m.maxPending),
		}
		if g, ok := opts.Gains[id]; ok {
			st.gain = float32(g)
		}
		m.sources[id] = st
		m.order = append(m.order, st)
	}
	return m, nil
}

// Format returns the output format.
func (m *Mixer) Format() media.AudioFormat {
	return m.out
}

// Sources returns the enabled sources in mixing order.
func (m *Mixer) Sources() []media.SourceID {
	ids := make([]media.SourceID, len(m.order))
	for i, st := range m.order {
		ids[i] = st.id
	}
	return ids
}

// Submit converts chunk and queues it for the next mix. The chunk is fully
// copied, so the caller may release it once Submit returns. A chunk whose
// format differs from the previous one for the same source discards all
// queued audio of that source and starts a fresh converter.
func (m *Mixer) Submit(id media.SourceID, chunk *media.AudioChunk) error {
	if err := chunk.Validate(); err != nil {
		m.mu.Lock()
		m.stats.MalformedChunks++
		m.mu.Unlock()
		if logging.Every(&m.lastMalformedLog, malformedLogEvery) {
			m.log.Warn("dropping malformed audio chunk", "source", id, "err", err)
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}

	if !st.hasFormat || st.format != chunk.Format {
		if st.hasFormat {
			m.stats.DeviceChanges++
			m.log.Info("audio device change", "source", id, "from", st.format.String(), "to", chunk.Format.String(),
				"discarded_frames", len(st.pending)/m.out.Channels)
		}
		st.pending = st.pending[:0]
		st.conv = nil
		st.hasFormat = false

		conv, err := NewConverter(chunk.Format, m.out, m.newResampler)
		if err != nil {
			m.stats.MalformedChunks++
			return err
		}
		st.conv = conv
		st.format = chunk.Format
		st.hasFormat = true
	}

	var err error
	st.pending, err = st.conv.AppendFloat(st.pending, chunk)
	if err != nil {
		m.stats.MalformedChunks++
		return err
	}

	if over := len(st.pending) - m.maxPending; over > 0 {
		n := copy(st.pending, st.pending[over:])
		st.pending = st.pending[:n]
		m.stats.OverflowFrames += int64(over / m.out.Channels)
		m.log.Debug("mixer pending overflow", "source", id, "dropped_frames", over/m.out.Channels)
	}
	return nil
}

// MixNext combines the queued audio of all sources that have any. The output
// length is the shortest queued length among those sources, so no buffer is
// read past its end; whatever remains stays queued for the next call and is
// never mixed twice. Sources with nothing queued contribute silence. It
// returns nil when no source has audio.
func (m *Mixer) MixNext(pts time.Duration) *media.AudioChunk {
	return m.MixUpTo(0, pts)
}

// MixUpTo is MixNext producing at most maxFrames frames. A maxFrames of zero
// or less means no limit.
func (m *Mixer) MixUpTo(maxFrames int, pts time.Duration) *media.AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.out.Channels
	frames := -1
	for _, st := range m.order {
		n := len(st.pending) / ch
		if n == 0 {
			continue
		}
		if frames < 0 || n < frames {
			frames = n
		}
	}
	if frames <= 0 {
		return nil
	}
	if limit := m.pool.Size() / m.out.BytesPerFrame(); frames > limit {
		frames = limit
	}
	if maxFrames > 0 && frames > maxFrames {
		frames = maxFrames
	}

	samples := frames * ch
	buf := m.pool.Get(samples * 4)
	soft := !m.weighted && len(m.order) > 1
	for i := 0; i < samples; i++ {
		var sum float32
		for _, st := range m.order {
			if len(st.pending) < samples {
				continue
			}
			if m.weighted {
				sum += st.gain * st.pending[i]
			} else {
				sum += st.pending[i]
			}
		}
		var v float32
		if soft {
			v = float32(math.Tanh(float64(sum)))
		} else {
			v = sanitize(sum)
		}
		putFloat32(buf, i*4, v)
	}

	for _, st := range m.order {
		if len(st.pending) < samples {
			st.level = 0
			continue
		}
		st.level = RMS(st.pending[:samples])
		n := copy(st.pending, st.pending[samples:])
		st.pending = st.pending[:n]
	}
	m.stats.Ticks++
	m.stats.MixedFrames += int64(frames)

	pool := m.pool
	return media.NewPooledAudioChunk(m.out, frames, [][]byte{buf}, pts, func() { pool.Put(buf) })
}

// Silence returns a chunk of frames zero samples in the output format.
func (m *Mixer) Silence(frames int, pts time.Duration) *media.AudioChunk {
	if frames < 0 {
		frames = 0
	}
	if limit := m.pool.Size() / m.out.BytesPerFrame(); frames > limit {
		frames = limit
	}
	buf := m.pool.Get(frames * m.out.BytesPerFrame())
	clear(buf)
	pool := m.pool
	return media.NewPooledAudioChunk(m.out, frames, [][]byte{buf}, pts, func() { pool.Put(buf) })
}

// Pending returns the number of frames queued for id.
func (m *Mixer) Pending(id media.SourceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[id]
	if !ok {
		return 0
	}
	return len(st.pending) / m.out.Channels
}

// Reset drops queued audio, formats and converters of every source. Audio
// submitted afterwards starts fresh and is not counted as a device change.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.order {
		st.pending = st.pending[:0]
		st.conv = nil
		st.hasFormat = false
		st.format = media.AudioFormat{}
		st.level = 0
	}
}

// Stats returns a snapshot of the mixer counters.
func (m *Mixer) Stats() MixerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Levels = make(map[media.SourceID]float64, len(m.order))
	for _, st := range m.order {
		s.Levels[st.id] = st.level
	}
	return s
}
