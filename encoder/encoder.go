// Package encoder owns the real-time write path of a recording. Frames and
// mixed audio go through an Encoder into a Writer that produces the media
// file in a private work directory; Finish moves the file to its final name
// in a single rename, so the output is either complete or absent.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/bufpool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	defaultBackpressureTimeout = time.Second
	defaultPollInterval        = 10 * time.Millisecond
	defaultPoolFrames          = 8
	dropLogPeriod              = time.Second

	workDirSuffix = ".part"
)

// renameFile is the commit step. Replaced in tests to simulate a crash between
// flush and rename.
var renameFile = os.Rename

// Config describes one recording.
type Config struct {
	// OutputPath is the final file path. It must not exist yet.
	OutputPath string

	// Width and Height are the size of the frames passed to
	// AppendVideoFrame.
	Width       int
	Height      int
	PixelFormat media.PixelFormat
	// OutputWidth and OutputHeight scale the recording. Zero keeps the input
	// size.
	OutputWidth  int
	OutputHeight int
	FrameRate    int
	// Bitrate overrides the table value when positive.
	Bitrate int

	Audio       bool
	AudioFormat media.AudioFormat
	// Sidecar also writes the audio track as a WAV file next to the video.
	Sidecar bool

	// BackpressureTimeout bounds how long an append waits for a busy track.
	BackpressureTimeout time.Duration
	PollInterval        time.Duration
	// PoolFrames preallocates frame buffers.
	PoolFrames int
}

// Stats is a snapshot of encoder counters.
type Stats struct {
	VideoFrames     uint64
	VideoDropped    uint64
	AudioChunks     uint64
	AudioFrames     uint64
	AudioDropped    uint64
	KeyframesForced uint64
	Bitrate         int
	Writer          string
}

// session is the state of one started recording.
type session struct {
	cfg      Config
	w        Writer
	workDir  string
	tmpPath  string
	sidecar  *wavSidecar
	frames   *bufpool.Pool[byte]
	samples  *bufpool.Pool[byte]
	keyEvery int

	hasVideo     bool
	lastVideoPTS time.Duration
	hasAudio     bool
	lastAudioPTS time.Duration
}

// Encoder is the FrameEncoder of a recording. AppendVideoFrame,
// AppendAudioChunk and Finish are serialized by an internal lock; Cancel may
// be called at any time from any goroutine.
type Encoder struct {
	newWriter WriterFactory
	log       *slog.Logger

	mu  sync.Mutex
	cur atomic.Pointer[session]

	cancelled    atomic.Bool
	forceKey     atomic.Bool
	videoFrames  atomic.Uint64
	videoDropped atomic.Uint64
	audioChunks  atomic.Uint64
	audioFrames  atomic.Uint64
	audioDropped atomic.Uint64
	keyframes    atomic.Uint64
	bitrate      atomic.Int64
	writerName   atomic.Pointer[string]

	lastDropLog atomic.Int64
}

// New returns an idle Encoder that creates its writer with newWriter.
func New(newWriter WriterFactory, log *slog.Logger) *Encoder {
	return &Encoder{
		newWriter: newWriter,
		log:       logging.Component(log, "encoder"),
	}
}

func normalizeConfig(cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.OutputPath) == "" {
		return cfg, fmt.Errorf("%w: output path is required", ErrConfiguration)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("%w: invalid frame size %dx%d", ErrConfiguration, cfg.Width, cfg.Height)
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = media.PixelFormatBGRA
	}
	if cfg.PixelFormat.BytesPerPixel() == 0 {
		return cfg, fmt.Errorf("%w: unsupported pixel format %q", ErrConfiguration, cfg.PixelFormat)
	}
	if cfg.FrameRate <= 0 || cfg.FrameRate > 240 {
		return cfg, fmt.Errorf("%w: invalid frame rate %d", ErrConfiguration, cfg.FrameRate)
	}
	if cfg.OutputWidth <= 0 || cfg.OutputHeight <= 0 {
		cfg.OutputWidth, cfg.OutputHeight = cfg.Width, cfg.Height
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = Bitrate(cfg.OutputWidth, cfg.OutputHeight, cfg.FrameRate)
	}
	if cfg.Audio {
		if err := cfg.AudioFormat.Validate(); err != nil {
			return cfg, fmt.Errorf("%w: audio track: %v", ErrConfiguration, err)
		}
		if cfg.AudioFormat.Sample != media.SampleFloat32 || cfg.AudioFormat.Planes() != 1 {
			return cfg, fmt.Errorf("%w: audio track needs interleaved f32, got %s", ErrConfiguration, cfg.AudioFormat)
		}
	} else {
		cfg.Sidecar = false
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = defaultBackpressureTimeout
	}
	if cfg.BackpressureTimeout > 10*time.Second {
		cfg.BackpressureTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollInterval > cfg.BackpressureTimeout {
		cfg.PollInterval = cfg.BackpressureTimeout
	}
	if cfg.PoolFrames <= 0 {
		cfg.PoolFrames = defaultPoolFrames
	}
	if cfg.PoolFrames > 64 {
		cfg.PoolFrames = 64
	}
	return cfg, nil
}

// WorkDir returns the private directory used while recording to path.
func WorkDir(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+workDirSuffix)
}

// SidecarPath returns the WAV sidecar path that belongs to a video path.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".wav"
}

// Start opens the work directory and the writer. Nothing is created at
// OutputPath until Finish succeeds.
func (e *Encoder) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur.Load() != nil {
		return fmt.Errorf("%w: encoder already started", ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cfg.OutputPath)
	info, err := os.Stat(dir)
	if err != nil {
		return fileSystemError(dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrFileSystem, dir)
	}
	if _, err := os.Stat(cfg.OutputPath); err == nil {
		return fmt.Errorf("%w: %s already exists", ErrConfiguration, cfg.OutputPath)
	}

	workDir := WorkDir(cfg.OutputPath)
	if err := os.Mkdir(workDir, 0o755); err != nil {
		return fileSystemError(dir, err)
	}
	s := &session{
		cfg:      cfg,
		workDir:  workDir,
		tmpPath:  filepath.Join(workDir, filepath.Base(cfg.OutputPath)),
		keyEvery: KeyframeInterval(cfg.FrameRate),
	}

	s.w, err = e.newWriter(WriterConfig{
		Path:             s.tmpPath,
		WorkDir:          workDir,
		Width:            cfg.Width,
		Height:           cfg.Height,
		PixelFormat:      cfg.PixelFormat,
		OutputWidth:      cfg.OutputWidth,
		OutputHeight:     cfg.OutputHeight,
		FrameRate:        cfg.FrameRate,
		Bitrate:          cfg.Bitrate,
		KeyframeInterval: s.keyEvery,
		Audio:            cfg.Audio,
		AudioFormat:      cfg.AudioFormat,
		Log:              e.log,
	})
	if err != nil {
		_ = os.RemoveAll(workDir)
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if cfg.Sidecar {
		final := SidecarPath(cfg.OutputPath)
		s.sidecar, err = newWAVSidecar(filepath.Join(workDir, filepath.Base(final)), final, cfg.AudioFormat)
		if err != nil {
			s.w.Abort()
			_ = os.RemoveAll(workDir)
			return err
		}
	}

	s.frames = bufpool.New[byte](cfg.Width*cfg.Height*cfg.PixelFormat.BytesPerPixel(), cfg.PoolFrames)
	if cfg.Audio {
		s.samples = bufpool.New[byte](cfg.AudioFormat.FramesFor(time.Second)*cfg.AudioFormat.BytesPerFrame(), cfg.PoolFrames)
	}

	e.resetCounters()
	e.bitrate.Store(int64(cfg.Bitrate))
	name := "custom"
	if d, ok := s.w.(describer); ok {
		name = d.Describe()
	}
	e.writerName.Store(&name)
	e.cancelled.Store(false)
	e.forceKey.Store(false)
	e.cur.Store(s)

	e.log.Info("encoder started",
		"path", cfg.OutputPath,
		"size", fmt.Sprintf("%dx%d", cfg.OutputWidth, cfg.OutputHeight),
		"fps", cfg.FrameRate,
		"bitrate", cfg.Bitrate,
		"keyframe_interval", s.keyEvery,
		"audio", cfg.Audio,
		"writer", name,
	)
	return nil
}

func (e *Encoder) resetCounters() {
	e.videoFrames.Store(0)
	e.videoDropped.Store(0)
	e.audioChunks.Store(0)
	e.audioFrames.Store(0)
	e.audioDropped.Store(0)
	e.keyframes.Store(0)
}

// active returns the running session. Callers hold e.mu.
func (e *Encoder) active() (*session, error) {
	if e.cancelled.Load() {
		return nil, ErrCancelled
	}
	s := e.cur.Load()
	if s == nil {
		return nil, ErrNotStarted
	}
	if err := s.w.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return s, nil
}

// waitReady polls ready for up to the backpressure timeout.
func (e *Encoder) waitReady(s *session, ready func() bool) (bool, error) {
	if ready() {
		return true, nil
	}
	deadline := time.Now().Add(s.cfg.BackpressureTimeout)
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for range t.C {
		if e.cancelled.Load() {
			return false, ErrCancelled
		}
		if err := s.w.Err(); err != nil {
			return false, fmt.Errorf("%w: %w", ErrEncoding, err)
		}
		if ready() {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
	}
	return false, nil
}

func (e *Encoder) logDrop(track string, pts time.Duration, total uint64) {
	if logging.Every(&e.lastDropLog, dropLogPeriod) {
		e.log.Warn("writer busy, dropping sample", "track", track, "pts", pts, "dropped_total", total)
	}
}

// AppendVideoFrame copies frame into a pooled buffer and queues it at pts.
// The caller keeps ownership of frame. When the track stays busy for the
// backpressure window the frame is dropped and ErrDropped returned.
func (e *Encoder) AppendVideoFrame(frame *media.VideoFrame, pts time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.active()
	if err != nil {
		return err
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("video frame rejected: %w", err)
	}
	if frame.Width != s.cfg.Width || frame.Height != s.cfg.Height || frame.Format != s.cfg.PixelFormat {
		return fmt.Errorf("video frame rejected: %dx%d %s does not match track %dx%d %s",
			frame.Width, frame.Height, frame.Format, s.cfg.Width, s.cfg.Height, s.cfg.PixelFormat)
	}
	if s.hasVideo && pts <= s.lastVideoPTS {
		return fmt.Errorf("%w: video pts %v after %v", ErrNonMonotonic, pts, s.lastVideoPTS)
	}
	s.hasVideo = true
	s.lastVideoPTS = pts

	ok, err := e.waitReady(s, s.w.VideoReady)
	if err != nil {
		return err
	}
	if !ok {
		total := e.videoDropped.Add(1)
		e.logDrop("video", pts, total)
		return ErrDropped
	}

	buf := s.frames.Get(frame.Size())
	frame.CopyPacked(buf)
	pool := s.frames
	owned := media.NewPooledVideoFrame(frame.Width, frame.Height, frame.Format, buf, pts, func() { pool.Put(buf) })

	forced := e.forceKey.Swap(false)
	first := e.videoFrames.Load() == 0
	if err := s.w.WriteVideo(owned, first || forced); err != nil {
		if errors.Is(err, ErrDropped) {
			total := e.videoDropped.Add(1)
			e.logDrop("video", pts, total)
			return ErrDropped
		}
		return fmt.Errorf("%w: write video: %w", ErrEncoding, err)
	}
	if forced && !first {
		e.keyframes.Add(1)
	}
	e.videoFrames.Add(1)
	return nil
}

// AppendAudioChunk copies chunk and queues it at pts. chunk must be in the
// configured audio format. Backpressure is handled as for video, on the
// audio track alone.
func (e *Encoder) AppendAudioChunk(chunk *media.AudioChunk, pts time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.active()
	if err != nil {
		return err
	}
	if !s.cfg.Audio {
		return fmt.Errorf("%w: recording has no audio track", ErrConfiguration)
	}
	if err := chunk.Validate(); err != nil {
		return err
	}
	if chunk.Format != s.cfg.AudioFormat {
		return fmt.Errorf("%w: audio chunk is %s, track is %s", ErrConfiguration, chunk.Format, s.cfg.AudioFormat)
	}
	if chunk.Frames == 0 {
		return nil
	}
	if s.hasAudio && pts <= s.lastAudioPTS {
		return fmt.Errorf("%w: audio pts %v after %v", ErrNonMonotonic, pts, s.lastAudioPTS)
	}
	s.hasAudio = true
	s.lastAudioPTS = pts

	ok, err := e.waitReady(s, s.w.AudioReady)
	if err != nil {
		return err
	}
	if !ok {
		total := e.audioDropped.Add(1)
		e.logDrop("audio", pts, total)
		return ErrDropped
	}

	if s.sidecar != nil {
		if err := s.sidecar.Write(chunk); err != nil {
			e.log.Warn("disabling wav sidecar", "err", err)
			_ = s.sidecar.Close()
			_ = os.Remove(s.sidecar.tmp)
			s.sidecar = nil
		}
	}

	n := len(chunk.Data[0])
	var buf []byte
	release := func() {}
	if n <= s.samples.Size() {
		buf = s.samples.Get(n)
		pool := s.samples
		release = func() { pool.Put(buf) }
	} else {
		buf = make([]byte, n)
	}
	copy(buf, chunk.Data[0])
	owned := media.NewPooledAudioChunk(chunk.Format, chunk.Frames, [][]byte{buf}, pts, release)

	if err := s.w.WriteAudio(owned); err != nil {
		if errors.Is(err, ErrDropped) {
			total := e.audioDropped.Add(1)
			e.logDrop("audio", pts, total)
			return ErrDropped
		}
		return fmt.Errorf("%w: write audio: %w", ErrEncoding, err)
	}
	e.audioChunks.Add(1)
	e.audioFrames.Add(uint64(chunk.Frames))
	return nil
}

// RequestKeyframe makes the next appended video frame a keyframe. Used on
// resume so playback after a pause never depends on frames before it.
func (e *Encoder) RequestKeyframe() {
	e.forceKey.Store(true)
}

// Finish flushes the writer and moves the finished file to the output path.
// On failure the work directory is kept for diagnostics and nothing exists
// at the output path.
func (e *Encoder) Finish(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled.Load() {
		return "", ErrCancelled
	}
	s := e.cur.Load()
	if s == nil {
		return "", ErrNotStarted
	}

	// A concurrent Cancel finds the session in cur, aborts the writer and
	// cleans up once this returns, so cancelled paths leave cur alone.
	if err := s.w.Finish(ctx); err != nil {
		if e.cancelled.Load() {
			return "", ErrCancelled
		}
		e.cur.Store(nil)
		if s.sidecar != nil {
			_ = s.sidecar.Close()
		}
		e.log.Error("writer finish failed, keeping work directory", "dir", s.workDir, "err", err)
		return "", fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	if e.cancelled.Load() {
		return "", ErrCancelled
	}
	e.cur.Store(nil)

	info, err := os.Stat(s.tmpPath)
	if err != nil {
		return "", fmt.Errorf("%w: writer produced no output: %w", ErrEncoding, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: writer produced an empty file", ErrEncoding)
	}

	if err := renameFile(s.tmpPath, s.cfg.OutputPath); err != nil {
		if s.sidecar != nil {
			_ = s.sidecar.Close()
		}
		e.log.Error("commit failed, keeping work directory", "dir", s.workDir, "err", err)
		return "", fileSystemError(s.cfg.OutputPath, err)
	}

	if s.sidecar != nil {
		if err := s.sidecar.Commit(); err != nil {
			e.log.Warn("wav sidecar not committed", "err", err)
		}
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		e.log.Warn("work directory cleanup failed", "dir", s.workDir, "err", err)
	}

	e.log.Info("recording committed",
		"path", s.cfg.OutputPath,
		"bytes", info.Size(),
		"video_frames", e.videoFrames.Load(),
		"video_dropped", e.videoDropped.Load(),
		"audio_dropped", e.audioDropped.Load(),
	)
	return s.cfg.OutputPath, nil
}

// Cancel aborts the writer and deletes everything written so far. It is safe
// to call concurrently with appends and Finish, and more than once.
func (e *Encoder) Cancel() {
	if !e.cancelled.CompareAndSwap(false, true) {
		return
	}
	// Abort before taking the lock so a blocked append or Finish unblocks.
	if s := e.cur.Load(); s != nil {
		s.w.Abort()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur.Swap(nil)
	if s == nil {
		return
	}
	if s.sidecar != nil {
		_ = s.sidecar.Close()
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		e.log.Warn("remove cancelled recording", "dir", s.workDir, "err", err)
	}
	e.log.Info("recording cancelled", "path", s.cfg.OutputPath)
}

// Abandon aborts the writer after a failure elsewhere in the pipeline. The
// work directory is kept for diagnostics and nothing is committed. A later
// Cancel has nothing left to remove.
func (e *Encoder) Abandon(reason error) {
	if s := e.cur.Load(); s != nil {
		s.w.Abort()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.cur.Swap(nil)
	if s == nil {
		return
	}
	if s.sidecar != nil {
		_ = s.sidecar.Close()
	}
	e.log.Error("recording abandoned, keeping work directory", "dir", s.workDir, "err", reason)
}

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() Stats {
	st := Stats{
		VideoFrames:     e.videoFrames.Load(),
		VideoDropped:    e.videoDropped.Load(),
		AudioChunks:     e.audioChunks.Load(),
		AudioFrames:     e.audioFrames.Load(),
		AudioDropped:    e.audioDropped.Load(),
		KeyframesForced: e.keyframes.Load(),
		Bitrate:         int(e.bitrate.Load()),
	}
	if p := e.writerName.Load(); p != nil {
		st.Writer = *p
	}
	return st
}

// CleanupStale removes work directories in dir that are older than maxAge,
// left behind by recordings that crashed or failed to finish.
func CleanupStale(dir string, maxAge time.Duration) int {
	matches, err := filepath.Glob(filepath.Join(dir, ".*"+workDirSuffix))
	if err != nil {
		return 0
	}
	removed := 0
	for _, p := range matches {
		info, statErr := os.Stat(p)
		if statErr != nil || !info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}
		if os.RemoveAll(p) == nil {
			removed++
		}
	}
	return removed
}
