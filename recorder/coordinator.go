// Package recorder runs recordings: it owns the session state machine and
// the pipeline that moves captured frames and audio into the encoder.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/config"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const inhibitReason = "Screen recording in progress"

// Coordinator drives one recording at a time from a capture source into an
// encoder. All methods are safe for concurrent use.
type Coordinator struct {
	settings *config.Settings
	source   capture.Source
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	run     *run
	lastErr error
	events  []func()
}

// run is everything that belongs to one started recording.
type run struct {
	session Session
	enc     *encoder.Encoder
	mixer   *audio.Mixer
	pipe    *pipeline
	source  capture.Source
	log     *slog.Logger

	stopOnce    sync.Once
	releaseOnce sync.Once
	release     func()
}

// New returns an idle Coordinator. settings are the defaults for Start and
// source is the capture collaborator every recording registers with.
func New(settings *config.Settings, source capture.Source, opts Options) *Coordinator {
	if settings == nil {
		settings = config.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DurationTick <= 0 {
		opts.DurationTick = defaultDurationTick
	}
	if opts.Format == (media.AudioFormat{}) {
		opts.Format = media.CanonicalFormat()
	}
	return &Coordinator{
		settings: settings,
		source:   source,
		opts:     opts,
		log:      logging.Component(opts.Log, "recorder"),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the recording in progress, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	s := c.run.session
	s.Audio = slices.Clone(s.Audio)
	return &s
}

// Start begins a recording of region. A nil settings uses the ones given to
// New. Settings and region errors wrap encoder.ErrConfiguration; nothing is
// left on disk when Start fails.
func (c *Coordinator) Start(ctx context.Context, region capture.Region, settings *config.Settings) (*Session, error) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.state != Idle {
		return nil, &StateError{Op: "start", State: c.state}
	}
	if settings == nil {
		settings = c.settings
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
	}
	if err := region.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
	}

	if settings.StaleTempAge > 0 {
		if n := encoder.CleanupStale(settings.OutputDir, settings.StaleTempAge); n > 0 {
			c.log.Info("removed stale recordings", "dir", settings.OutputDir, "count", n)
		}
	}

	startedAt := c.opts.Now()
	path, err := NextOutputPath(settings.OutputDir, startedAt)
	if err != nil {
		return nil, err
	}
	outW, outH := settings.Resolution.Scale(region.Width, region.Height)
	outW, outH = outW&^1, outH&^1
	if outW == 0 || outH == 0 {
		return nil, fmt.Errorf("%w: region %s too small", encoder.ErrConfiguration, region)
	}

	id := uuid.NewString()
	log := c.log.With("session", id)
	sources := settings.AudioSources()

	var mixer *audio.Mixer
	if len(sources) > 0 {
		mixer, err = audio.NewMixer(audio.MixerOptions{
			Output:  c.opts.Format,
			Sources: sources,
			Gains:   settings.Gains,
			Log:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", encoder.ErrConfiguration, err)
		}
	}

	enc := encoder.New(c.writerFactory(settings), log)
	err = enc.Start(ctx, encoder.Config{
		OutputPath:          path,
		Width:               region.Width,
		Height:              region.Height,
		PixelFormat:         media.PixelFormatBGRA,
		OutputWidth:         outW,
		OutputHeight:        outH,
		FrameRate:           settings.FrameRate,
		Audio:               mixer != nil,
		AudioFormat:         c.opts.Format,
		Sidecar:             settings.AudioSidecar,
		BackpressureTimeout: settings.BackpressureTimeout,
	})
	if err != nil {
		return nil, err
	}

	pipe := newPipeline(pipelineConfig{
		enc:        enc,
		mixer:      mixer,
		frameRate:  settings.FrameRate,
		videoQueue: queueSize(settings.VideoQueue, 8),
		audioQueue: queueSize(settings.AudioQueue, 64),
		now:        c.opts.Now,
		log:        log,
	})
	pipe.start(c.opts.OnDuration, c.opts.DurationTick)

	req := capture.Request{Region: region, FrameRate: settings.FrameRate, Audio: sources}
	if err := c.source.Start(ctx, req, pipe); err != nil {
		pipe.abort()
		enc.Cancel()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	r := &run{
		session: Session{
			ID:           id,
			OutputPath:   path,
			Region:       region,
			FrameRate:    settings.FrameRate,
			Width:        region.Width,
			Height:       region.Height,
			OutputWidth:  outW,
			OutputHeight: outH,
			Audio:        sources,
			StartedAt:    startedAt,
		},
		enc:    enc,
		mixer:  mixer,
		pipe:   pipe,
		source: c.source,
		log:    log,
	}
	if c.opts.Inhibitor != nil {
		release, err := c.opts.Inhibitor.Inhibit(inhibitReason)
		if err != nil {
			log.Warn("inhibit failed, the system may sleep while recording", "err", err)
		} else {
			r.release = release
		}
	}

	c.run = r
	c.lastErr = nil
	c.setStateLocked(Recording)
	go c.watch(r)

	log.Info("recording started",
		"path", path,
		"region", region.String(),
		"fps", settings.FrameRate,
		"output", fmt.Sprintf("%dx%d", outW, outH),
		"audio", sources,
	)
	s := r.session
	return &s, nil
}

func (c *Coordinator) writerFactory(s *config.Settings) encoder.WriterFactory {
	if c.opts.NewWriter != nil {
		return c.opts.NewWriter
	}
	return encoder.NewFFmpegWriterFactory(encoder.FFmpegOptions{
		Path:    s.FFmpegPath,
		Encoder: s.Encoder,
	})
}

func queueSize(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// watch moves the Coordinator to Failed when the pipeline dies on its own.
func (c *Coordinator) watch(r *run) {
	<-r.pipe.done
	if err := r.pipe.wait(); err != nil {
		c.fail(r, err)
	}
}

func (c *Coordinator) fail(r *run, err error) {
	c.mu.Lock()
	if c.run != r || (c.state != Recording && c.state != Paused) {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.lastErr = err
	c.setStateLocked(Failed)
	c.notifyErrorLocked(err)
	c.unlockAndNotify()

	r.log.Error("recording failed", "err", err)
	r.cancel()
}

// Pause stops writing captured data until Resume.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.state != Recording {
		return &StateError{Op: "pause", State: c.state}
	}
	c.run.pipe.pause()
	c.setStateLocked(Paused)
	c.run.log.Info("recording paused")
	return nil
}

// Resume continues a paused recording. The first frame after Resume is a
// keyframe stamped one frame interval after the last frame before Pause.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.state != Paused {
		return &StateError{Op: "resume", State: c.state}
	}
	c.run.pipe.resume()
	c.setStateLocked(Recording)
	c.run.log.Info("recording resumed")
	return nil
}

// Stop finishes the recording and returns the committed file. On failure the
// Coordinator is Failed until Acknowledge and the work directory is kept.
func (c *Coordinator) Stop(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.state != Recording && c.state != Paused {
		err := &StateError{Op: "stop", State: c.state}
		c.mu.Unlock()
		return nil, err
	}
	r := c.run
	c.setStateLocked(Finalizing)
	c.unlockAndNotify()

	r.stopSource()
	var path string
	err := r.pipe.finish()
	if err != nil {
		r.enc.Abandon(err)
	} else {
		path, err = r.enc.Finish(ctx)
	}
	r.releaseInhibit()

	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.run != r {
		// Cancelled while finalizing.
		if err != nil {
			return nil, encoder.ErrCancelled
		}
	} else {
		c.run = nil
		if err != nil {
			c.lastErr = err
			c.setStateLocked(Failed)
			c.notifyErrorLocked(err)
			r.log.Error("recording not saved", "err", err)
			return nil, err
		}
		c.setStateLocked(Idle)
	}

	res := &Result{
		Path:      path,
		SessionID: r.session.ID,
		Duration:  time.Duration(r.pipe.mediaDuration.Load()),
		Width:     r.session.OutputWidth,
		Height:    r.session.OutputHeight,
	}
	if info, statErr := os.Stat(path); statErr == nil {
		res.Size = info.Size()
	}
	r.log.Info("recording saved", "path", path, "duration", res.Duration, "bytes", res.Size)
	return res, nil
}

// Cancel discards the recording in any state but Idle and returns to Idle.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.state == Idle {
		err := &StateError{Op: "cancel", State: c.state}
		c.mu.Unlock()
		return err
	}
	r := c.run
	c.run = nil
	c.lastErr = nil
	c.setStateLocked(Idle)
	c.unlockAndNotify()

	if r != nil {
		r.cancel()
		r.log.Info("recording cancelled")
	}
	return nil
}

// Acknowledge clears a failure so a new recording can start.
func (c *Coordinator) Acknowledge() error {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.state != Failed {
		return &StateError{Op: "acknowledge", State: c.state}
	}
	c.lastErr = nil
	c.setStateLocked(Idle)
	return nil
}

// Status returns a snapshot of the current recording.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Err: c.lastErr}
	r := c.run
	if r == nil {
		return st
	}
	p := r.pipe
	st.SessionID = r.session.ID
	st.OutputPath = r.session.OutputPath
	st.Elapsed = p.elapsed()
	st.Paused = p.pausedDuration()
	st.VideoFrames = p.videoFrames.Load()
	st.VideoDropped = p.videoDropped.Load()
	st.VideoRejected = p.videoRejected.Load()
	st.AudioChunks = p.audioChunks.Load()
	st.SilenceFrames = p.silenceFrames.Load()
	st.PausedFrames = p.pausedDropped.Load()
	st.InputVideoDropped, st.InputAudioDropped = p.inputDropped()
	st.Encoder = r.enc.Stats()
	if r.mixer != nil {
		st.Mixer = r.mixer.Stats()
	}
	return st
}

// setStateLocked changes the state and queues the change notification.
func (c *Coordinator) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Debug("state change", "from", from, "to", to)
	if fn := c.opts.OnStateChange; fn != nil {
		c.events = append(c.events, func() { fn(from, to) })
	}
}

func (c *Coordinator) notifyErrorLocked(err error) {
	if fn := c.opts.OnError; fn != nil {
		c.events = append(c.events, func() { fn(err) })
	}
}

// unlockAndNotify releases c.mu and then runs the queued callbacks, so they
// may call back into the Coordinator.
func (c *Coordinator) unlockAndNotify() {
	events := c.events
	c.events = nil
	c.mu.Unlock()
	for _, ev := range events {
		ev()
	}
}

func (r *run) stopSource() {
	r.stopOnce.Do(func() {
		if err := r.source.Stop(); err != nil {
			r.log.Warn("stop capture", "err", err)
		}
	})
}

func (r *run) releaseInhibit() {
	r.releaseOnce.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// cancel tears the run down and deletes what was written.
func (r *run) cancel() {
	r.enc.Cancel()
	r.stopSource()
	r.pipe.abort()
	r.releaseInhibit()
}

// IsConfiguration reports whether err means a recording could not start
// because of its settings.
func IsConfiguration(err error) bool {
	return errors.Is(err, encoder.ErrConfiguration) || errors.Is(err, config.ErrInvalidSettings)
}
