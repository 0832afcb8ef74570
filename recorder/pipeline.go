package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/internal/dropqueue"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

// audioSlack is how far the audio track may trail the video clock before
// the gap is filled with silence. It absorbs capture jitter between
// sources.
const audioSlack = 100 * time.Millisecond

type videoItem struct {
	gen   uint64
	frame *media.VideoFrame
}

type audioItem struct {
	gen   uint64
	chunk *media.AudioChunk
}

// pipeline is the data path of one session. Capture callbacks land in
// bounded per-source queues; a single loop goroutine drains them in order,
// audio first, and is the only caller of the encoder's append methods and
// the mixer's Submit and Mix methods.
type pipeline struct {
	log      *slog.Logger
	enc      *encoder.Encoder
	mixer    *audio.Mixer
	interval time.Duration
	now      func() time.Time

	video     *dropqueue.Queue[videoItem]
	audio     map[media.SourceID]*dropqueue.Queue[audioItem]
	audioIDs  []media.SourceID
	audioWake chan struct{}

	// gen is bumped on resume. Items carry the gen they were captured in so
	// the loop can tell pre-pause data from post-resume data.
	gen    atomic.Uint64
	paused atomic.Bool
	closed atomic.Bool

	draining  chan struct{}
	drainOnce sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}

	// Loop state.
	curGen       uint64
	hasFrame     bool
	rebase       bool
	offset       time.Duration
	lastPTS      time.Duration
	audioEmitted int64
	lastRejected atomic.Int64

	videoFrames   atomic.Uint64
	videoDropped  atomic.Uint64
	videoRejected atomic.Uint64
	audioChunks   atomic.Uint64
	silenceFrames atomic.Int64
	pausedDropped atomic.Uint64
	mediaDuration atomic.Int64

	clockMu     sync.Mutex
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
}

type pipelineConfig struct {
	enc        *encoder.Encoder
	mixer      *audio.Mixer
	frameRate  int
	videoQueue int
	audioQueue int
	now        func() time.Time
	log        *slog.Logger
}

func newPipeline(cfg pipelineConfig) *pipeline {
	p := &pipeline{
		log:       logging.Component(cfg.log, "pipeline"),
		enc:       cfg.enc,
		mixer:     cfg.mixer,
		interval:  time.Second / time.Duration(cfg.frameRate),
		now:       cfg.now,
		audio:     make(map[media.SourceID]*dropqueue.Queue[audioItem]),
		audioWake: make(chan struct{}, 1),
		draining:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.video = dropqueue.New("video", cfg.videoQueue, func(it videoItem) { it.frame.Release() }, cfg.log)
	if cfg.mixer != nil {
		for _, id := range cfg.mixer.Sources() {
			p.audio[id] = dropqueue.New("audio-"+string(id), cfg.audioQueue, func(it audioItem) { it.chunk.Release() }, cfg.log)
			p.audioIDs = append(p.audioIDs, id)
		}
	}
	return p
}

// HandleVideo implements capture.Handler.
func (p *pipeline) HandleVideo(frame *media.VideoFrame) {
	if frame == nil {
		return
	}
	if p.paused.Load() {
		p.pausedDropped.Add(1)
		frame.Release()
		return
	}
	if p.closed.Load() {
		frame.Release()
		return
	}
	p.video.Push(videoItem{gen: p.gen.Load(), frame: frame})
}

// HandleAudio implements capture.Handler.
func (p *pipeline) HandleAudio(id media.SourceID, chunk *media.AudioChunk) {
	if chunk == nil {
		return
	}
	q, ok := p.audio[id]
	if !ok || p.closed.Load() || p.paused.Load() {
		chunk.Release()
		return
	}
	q.Push(audioItem{gen: p.gen.Load(), chunk: chunk})
	select {
	case p.audioWake <- struct{}{}:
	default:
	}
}

// start runs the loop and the duration ticker.
func (p *pipeline) start(onTick func(time.Duration), tick time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.clockMu.Lock()
	p.startedAt = p.now()
	p.clockMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	g.Go(func() error {
		defer close(p.done)
		return p.loop(gctx)
	})
	if onTick != nil && tick > 0 {
		g.Go(func() error {
			t := time.NewTicker(tick)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-p.done:
					return nil
				case <-t.C:
					if !p.paused.Load() {
						onTick(p.elapsed())
					}
				}
			}
		})
	}
}

// wait returns the loop's error once it has exited.
func (p *pipeline) wait() error {
	return p.group.Wait()
}

// finish makes the loop write out everything queued and return. Capture
// must be stopped first.
func (p *pipeline) finish() error {
	p.closed.Store(true)
	p.drainOnce.Do(func() { close(p.draining) })
	err := p.wait()
	p.cancel()
	return err
}

// abort stops the loop without writing what is queued.
func (p *pipeline) abort() {
	p.closed.Store(true)
	p.cancel()
	_ = p.wait()
	p.video.Drain()
	for _, q := range p.audio {
		q.Drain()
	}
}

func (p *pipeline) pause() {
	p.paused.Store(true)
	p.clockMu.Lock()
	p.pausedAt = p.now()
	p.clockMu.Unlock()
}

func (p *pipeline) resume() {
	p.gen.Add(1)
	p.clockMu.Lock()
	if !p.pausedAt.IsZero() {
		p.pausedTotal += p.now().Sub(p.pausedAt)
		p.pausedAt = time.Time{}
	}
	p.clockMu.Unlock()
	p.paused.Store(false)
}

// elapsed is the wall-clock recording time without paused spans.
func (p *pipeline) elapsed() time.Duration {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	end := p.now()
	if !p.pausedAt.IsZero() {
		end = p.pausedAt
	}
	d := end.Sub(p.startedAt) - p.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

func (p *pipeline) pausedDuration() time.Duration {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	d := p.pausedTotal
	if !p.pausedAt.IsZero() {
		d += p.now().Sub(p.pausedAt)
	}
	return d
}

func (p *pipeline) loop(ctx context.Context) error {
	for {
		if err := p.drainAudio(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.draining:
			return p.flush()
		case it := <-p.video.C():
			if err := p.drainAudio(); err != nil {
				it.frame.Release()
				return err
			}
			if err := p.processFrame(it); err != nil {
				return err
			}
		case <-p.audioWake:
		}
	}
}

// flush writes out everything still queued and pads the audio track to the
// length of the video track.
func (p *pipeline) flush() error {
	for {
		if err := p.drainAudio(); err != nil {
			return err
		}
		select {
		case it := <-p.video.C():
			if err := p.processFrame(it); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}
	if !p.hasFrame {
		return nil
	}
	return p.mixAudio(p.lastPTS+p.interval, 0)
}

func (p *pipeline) drainAudio() error {
	for _, id := range p.audioIDs {
		q := p.audio[id]
		for {
			var it audioItem
			select {
			case it = <-q.C():
			default:
			}
			if it.chunk == nil {
				break
			}
			if err := p.submit(id, it); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pipeline) submit(id media.SourceID, it audioItem) error {
	defer it.chunk.Release()
	if it.gen < p.curGen {
		return nil
	}
	if it.gen > p.curGen {
		if err := p.enterGen(it.gen); err != nil {
			return err
		}
	}
	// Malformed chunks are counted and logged by the mixer.
	_ = p.mixer.Submit(id, it.chunk)
	return nil
}

// enterGen starts the data of a new resume cycle. The audio track is first
// completed up to the end of the last frame before the pause, then audio
// still held from before the pause is dropped, the next frame is a
// keyframe, and timestamps continue one frame after the last frame.
// Converters restart so no resampler state spans the pause.
func (p *pipeline) enterGen(gen uint64) error {
	p.curGen = gen
	if p.hasFrame {
		if err := p.mixAudio(p.lastPTS+p.interval, 0); err != nil {
			return err
		}
	}
	if p.mixer != nil {
		p.mixer.Reset()
	}
	p.enc.RequestKeyframe()
	p.rebase = true
	return nil
}

// stamp maps a capture timestamp to an output timestamp.
func (p *pipeline) stamp(src time.Duration) time.Duration {
	switch {
	case !p.hasFrame:
		p.offset = src
	case p.rebase:
		p.offset = src - (p.lastPTS + p.interval)
	}
	p.rebase = false
	pts := src - p.offset
	if p.hasFrame && pts <= p.lastPTS {
		pts = p.lastPTS + time.Millisecond
	}
	return pts
}

func (p *pipeline) processFrame(it videoItem) error {
	defer it.frame.Release()
	if it.gen < p.curGen {
		return nil
	}
	if it.gen > p.curGen {
		if err := p.enterGen(it.gen); err != nil {
			return err
		}
	}

	pts := p.stamp(it.frame.PTS)
	p.hasFrame = true
	p.lastPTS = pts
	p.mediaDuration.Store(int64(pts + p.interval))

	err := p.enc.AppendVideoFrame(it.frame, pts)
	switch {
	case err == nil:
		p.videoFrames.Add(1)
	case errors.Is(err, encoder.ErrDropped):
		p.videoDropped.Add(1)
	case fatalEncoderError(err):
		return fmt.Errorf("append video: %w", err)
	default:
		p.videoRejected.Add(1)
		if logging.Every(&p.lastRejected, time.Second) {
			p.log.Warn("video frame rejected", "err", err)
		}
	}
	return p.mixAudio(pts+p.interval, audioSlack)
}

func fatalEncoderError(err error) bool {
	return errors.Is(err, encoder.ErrEncoding) ||
		errors.Is(err, encoder.ErrFileSystem) ||
		errors.Is(err, encoder.ErrCancelled) ||
		errors.Is(err, encoder.ErrNotStarted)
}

// mixAudio brings the audio track up to the video clock at until. Mixed
// audio fills as much as the sources provide; whatever is still missing
// beyond slack becomes silence, so the track stays continuous.
func (p *pipeline) mixAudio(until, slack time.Duration) error {
	if p.mixer == nil {
		return nil
	}
	rate := p.mixer.Format().SampleRate
	target := int64(math.Round(until.Seconds() * rate))

	for need := target - p.audioEmitted; need > 0; need = target - p.audioEmitted {
		c := p.mixer.MixUpTo(int(need), p.audioPTS())
		if c == nil {
			break
		}
		if err := p.appendAudio(c); err != nil {
			return err
		}
	}
	for {
		lag := target - int64(math.Round(slack.Seconds()*rate)) - p.audioEmitted
		if lag <= 0 {
			return nil
		}
		c := p.mixer.Silence(int(lag), p.audioPTS())
		if c.Frames == 0 {
			c.Release()
			return nil
		}
		p.silenceFrames.Add(int64(c.Frames))
		if err := p.appendAudio(c); err != nil {
			return err
		}
	}
}

func (p *pipeline) audioPTS() time.Duration {
	rate := p.mixer.Format().SampleRate
	return time.Duration(float64(p.audioEmitted) / rate * float64(time.Second))
}

// appendAudio hands c to the encoder and advances the audio clock even
// when the encoder drops it, so later timestamps stay aligned.
func (p *pipeline) appendAudio(c *media.AudioChunk) error {
	defer c.Release()
	err := p.enc.AppendAudioChunk(c, p.audioPTS())
	p.audioEmitted += int64(c.Frames)
	switch {
	case err == nil:
		p.audioChunks.Add(1)
	case errors.Is(err, encoder.ErrDropped):
	case fatalEncoderError(err):
		return fmt.Errorf("append audio: %w", err)
	default:
		p.log.Warn("audio chunk rejected", "err", err)
	}
	return nil
}

func (p *pipeline) inputDropped() (video, audio uint64) {
	video = p.video.Dropped()
	for _, q := range p.audio {
		audio += q.Dropped()
	}
	return video, audio
}
