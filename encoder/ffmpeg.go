package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

const (
	defaultFFmpegPath        = "ffmpeg"
	defaultVideoQueueFrames  = 8
	defaultAudioQueueChunks  = 64
	defaultAudioConnTimeout  = 10 * time.Second
	defaultVideoThreadQueue  = 512
	defaultAudioThreadQueue  = 2048
	audioBitrate             = "192k"
	stderrTailBytes          = 300
	lockedBufferLimit        = 64 << 10
	concatListName           = "segments.txt"
	segmentNamePattern       = "segment_%03d.mp4"
	segmentShutdownKillDelay = 30 * time.Second
)

var errWriterAborted = errors.New("writer aborted")

// FFmpegOptions configures the ffmpeg writer.
type FFmpegOptions struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Path string
	// Encoder is EncoderAuto, EncoderSoftware or an ffmpeg encoder name.
	Encoder string
	// VideoQueue and AudioQueue bound the items waiting for the ffmpeg pipes.
	VideoQueue int
	AudioQueue int
	// AudioConnTimeout bounds how long ffmpeg may take to connect to the
	// audio input.
	AudioConnTimeout time.Duration
	// LogOutput receives ffmpeg's stderr.
	LogOutput    io.Writer
	DebugCommand bool
}

func normalizeFFmpegOptions(options FFmpegOptions) FFmpegOptions {
	opts := options
	if strings.TrimSpace(opts.Path) == "" {
		opts.Path = defaultFFmpegPath
	}
	if opts.VideoQueue == 0 {
		opts.VideoQueue = defaultVideoQueueFrames
	} else if opts.VideoQueue < 2 {
		opts.VideoQueue = 2
	}
	if opts.VideoQueue > 256 {
		opts.VideoQueue = 256
	}
	if opts.AudioQueue == 0 {
		opts.AudioQueue = defaultAudioQueueChunks
	} else if opts.AudioQueue < 8 {
		opts.AudioQueue = 8
	}
	if opts.AudioQueue > 4096 {
		opts.AudioQueue = 4096
	}
	if opts.AudioConnTimeout <= 0 {
		opts.AudioConnTimeout = defaultAudioConnTimeout
	}
	if logging.DebugEnabled() {
		opts.DebugCommand = true
		if opts.LogOutput == nil {
			opts.LogOutput = os.Stderr
		}
	}
	return opts
}

// NewFFmpegWriterFactory returns a WriterFactory that encodes with an ffmpeg
// process. Raw frames go to ffmpeg's stdin at a constant rate, repeating a
// frame to fill a gap in presentation time, and audio over a loopback TCP
// connection. Every forced keyframe starts a new segment file with its own
// process, and Finish joins the segments with stream copy.
func NewFFmpegWriterFactory(options FFmpegOptions) WriterFactory {
	opts := normalizeFFmpegOptions(options)
	return func(cfg WriterConfig) (Writer, error) {
		return newFFmpegWriter(opts, cfg)
	}
}

type ffmpegWriter struct {
	opts FFmpegOptions
	cfg  WriterConfig
	plan videoEncoderPlan
	rc   rateControl
	log  *slog.Logger

	ctx   context.Context
	abort context.CancelFunc

	mu       sync.Mutex
	cur      *segment
	finished sync.WaitGroup

	liveMu   sync.Mutex
	segments []*segment

	err atomic.Pointer[error]
}

func newFFmpegWriter(opts FFmpegOptions, cfg WriterConfig) (*ffmpegWriter, error) {
	path, err := exec.LookPath(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found at %q: %w", opts.Path, err)
	}
	opts.Path = path
	if cfg.FrameRate <= 0 || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid video track %dx%d@%d", cfg.Width, cfg.Height, cfg.FrameRate)
	}
	if cfg.Audio && (cfg.AudioFormat.Sample != media.SampleFloat32 || cfg.AudioFormat.Planes() != 1) {
		return nil, fmt.Errorf("audio track must be interleaved f32, got %s", cfg.AudioFormat)
	}

	log := logging.Component(cfg.Log, "ffmpeg")
	keySeconds := cfg.KeyframeInterval / cfg.FrameRate
	if keySeconds < 1 {
		keySeconds = 1
	}
	w := &ffmpegWriter{
		opts: opts,
		cfg:  cfg,
		plan: selectVideoEncoder(path, opts.Encoder, log),
		rc: rateControl{
			bitrate:    cfg.Bitrate,
			gop:        cfg.KeyframeInterval,
			keySeconds: keySeconds,
			outputScale: fmt.Sprintf(
				"scale=%d:%d:force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
				cfg.OutputWidth, cfg.OutputHeight,
			),
		},
		log: log,
	}
	w.ctx, w.abort = context.WithCancel(context.Background())
	return w, nil
}

func (w *ffmpegWriter) Describe() string {
	mode := "software"
	if w.plan.hardware {
		mode = "hardware"
	}
	return fmt.Sprintf("ffmpeg %s (%s)", w.plan.label, mode)
}

func (w *ffmpegWriter) setErr(err error) {
	if err == nil {
		return
	}
	if w.err.CompareAndSwap(nil, &err) {
		w.log.Error("ffmpeg writer failed", "err", err)
	}
}

func (w *ffmpegWriter) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return nil
	}
	return w.cur.queueErr()
}

func (w *ffmpegWriter) VideoReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur == nil || w.cur.video.Ready()
}

func (w *ffmpegWriter) AudioReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur == nil || w.cur.audio == nil || w.cur.audio.Ready()
}

func (w *ffmpegWriter) WriteVideo(frame *media.VideoFrame, keyframe bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		frame.Release()
		return err
	}
	if keyframe && w.cur != nil && w.cur.videoCount > 0 {
		w.rotateLocked()
	}
	seg, err := w.segmentLocked(frame.PTS)
	if err != nil {
		frame.Release()
		return err
	}
	seg.videoCount++
	return seg.video.Push(frame)
}

func (w *ffmpegWriter) WriteAudio(chunk *media.AudioChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.cfg.Audio {
		chunk.Release()
		return errors.New("writer has no audio track")
	}
	if err := w.usable(); err != nil {
		chunk.Release()
		return err
	}
	seg, err := w.segmentLocked(chunk.PTS)
	if err != nil {
		chunk.Release()
		return err
	}
	return seg.audio.Push(chunk)
}

func (w *ffmpegWriter) usable() error {
	if w.ctx.Err() != nil {
		return errWriterAborted
	}
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// segmentLocked returns the current segment, starting one at base if
// needed.
func (w *ffmpegWriter) segmentLocked(base time.Duration) (*segment, error) {
	if w.cur != nil {
		return w.cur, nil
	}
	seg, err := w.startSegment(base)
	if err != nil {
		w.setErr(err)
		return nil, err
	}
	w.cur = seg
	return seg, nil
}

// rotateLocked closes the current segment in the background. The next write
// starts a new process, whose first frame is always a keyframe.
func (w *ffmpegWriter) rotateLocked() {
	old := w.cur
	w.cur = nil
	w.log.Debug("rotating segment", "segment", old.index, "frames", old.videoCount)

	w.finished.Add(1)
	go func() {
		defer w.finished.Done()
		if err := old.finish(w.ctx); err != nil && w.ctx.Err() == nil {
			w.setErr(err)
		}
	}()
}

func (w *ffmpegWriter) segmentArgs(path, audioURL string) []string {
	fps := strconv.Itoa(w.cfg.FrameRate)
	loglevel := "error"
	if logging.DebugEnabled() {
		loglevel = "info"
	}
	args := []string{"-hide_banner", "-loglevel", loglevel, "-y"}
	args = append(args, w.plan.globalArgs...)
	args = append(args,
		"-probesize", "32",
		"-analyzeduration", "0",
		"-thread_queue_size", strconv.Itoa(defaultVideoThreadQueue),
		"-f", "rawvideo",
		"-pix_fmt", strings.ToLower(string(w.cfg.PixelFormat)),
		"-s", fmt.Sprintf("%dx%d", w.cfg.Width, w.cfg.Height),
		"-r", fps,
		"-i", "pipe:0",
	)
	if audioURL != "" {
		args = append(args,
			"-probesize", "32",
			"-analyzeduration", "0",
			"-thread_queue_size", strconv.Itoa(defaultAudioThreadQueue),
			"-f", "f32le",
			"-ar", strconv.Itoa(int(w.cfg.AudioFormat.SampleRate)),
			"-ac", strconv.Itoa(w.cfg.AudioFormat.Channels),
			"-i", audioURL,
			"-map", "0:v:0",
			"-map", "1:a:0",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-an")
	}
	args = append(args, "-vf", w.plan.videoFilter(w.rc))
	args = append(args, w.plan.args(w.rc)...)
	args = append(args, "-r", fps)
	if audioURL != "" {
		args = append(args,
			"-af", "aresample=async=1:first_pts=0",
			"-c:a", "aac",
			"-b:a", audioBitrate,
			"-ar", strconv.Itoa(int(w.cfg.AudioFormat.SampleRate)),
			"-ac", strconv.Itoa(w.cfg.AudioFormat.Channels),
		)
	}
	return append(args, "-movflags", "+faststart", "-f", "mp4", path)
}

// startSegment launches the ffmpeg process of a segment whose timeline
// begins at base.
func (w *ffmpegWriter) startSegment(base time.Duration) (*segment, error) {
	w.liveMu.Lock()
	index := len(w.segments)
	w.liveMu.Unlock()

	seg := &segment{
		index:  index,
		path:   filepath.Join(w.cfg.WorkDir, fmt.Sprintf(segmentNamePattern, index)),
		stderr: &lockedBuffer{},
		exited: make(chan struct{}),
		connCh: make(chan acceptResult, 1),
		log:    w.log,
		frames: newVideoTimeline(base, w.cfg.FrameRate),
	}
	if w.cfg.Audio {
		seg.samples = newAudioTimeline(base, w.cfg.AudioFormat)
	}

	audioURL := ""
	if w.cfg.Audio {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("audio listener: %w", err)
		}
		seg.ln = ln
		audioURL = fmt.Sprintf("tcp://%s", ln.Addr().String())
	}

	args := w.segmentArgs(seg.path, audioURL)
	if w.opts.DebugCommand {
		out := w.opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		_, _ = fmt.Fprintf(out, "screenrec ffmpeg: %s %s\n", w.opts.Path, strings.Join(args, " "))
	}

	cmd := processutil.Command(w.ctx, w.opts.Path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		seg.closeListener()
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderrWriter := io.Writer(seg.stderr)
	if w.opts.LogOutput != nil {
		stderrWriter = io.MultiWriter(w.opts.LogOutput, stderrWriter)
	}
	cmd.Stderr = stderrWriter
	if err := cmd.Start(); err != nil {
		seg.closeListener()
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	seg.cmd = cmd
	seg.stdin = stdin

	go seg.wait(func(err error) {
		if w.ctx.Err() == nil {
			w.setErr(err)
		}
	})
	if seg.ln != nil {
		go seg.accept(w.opts.AudioConnTimeout)
		seg.audio = newTrackQueue[*media.AudioChunk]("audio", w.opts.AudioQueue, seg.writeAudio,
			func(c *media.AudioChunk) { c.Release() }, w.log)
	}
	seg.video = newTrackQueue[*media.VideoFrame]("video", w.opts.VideoQueue, seg.writeVideo,
		func(f *media.VideoFrame) { f.Release() }, w.log)

	w.liveMu.Lock()
	w.segments = append(w.segments, seg)
	w.liveMu.Unlock()

	w.log.Debug("segment started", "segment", index, "encoder", w.plan.label, "pid", cmd.Process.Pid)
	return seg, nil
}

func (w *ffmpegWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if w.cur != nil {
		last := w.cur
		w.cur = nil
		if err := last.finish(ctx); err != nil {
			w.setErr(err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.finished.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.Abort()
		<-done
		return ctx.Err()
	}

	if err := w.usable(); err != nil {
		return err
	}

	w.liveMu.Lock()
	segments := append([]*segment(nil), w.segments...)
	w.liveMu.Unlock()

	switch len(segments) {
	case 0:
		return errors.New("no frames were written")
	case 1:
		return os.Rename(segments[0].path, w.cfg.Path)
	default:
		return w.concat(ctx, segments)
	}
}

// concat joins the segment files into cfg.Path without re-encoding.
func (w *ffmpegWriter) concat(ctx context.Context, segments []*segment) error {
	var list bytes.Buffer
	for _, seg := range segments {
		name := strings.ReplaceAll(filepath.Base(seg.path), "'", `'\''`)
		fmt.Fprintf(&list, "file '%s'\n", name)
	}
	listPath := filepath.Join(w.cfg.WorkDir, concatListName)
	if err := os.WriteFile(listPath, list.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		w.cfg.Path,
	}
	cmd := processutil.Command(cctx, w.opts.Path, args...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	w.log.Debug("joining segments", "count", len(segments))
	if err := cmd.Run(); err != nil {
		if w.ctx.Err() != nil {
			return errWriterAborted
		}
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderr.Tail(stderrTailBytes))
	}
	return nil
}

func (w *ffmpegWriter) Abort() {
	w.abort()

	w.liveMu.Lock()
	segments := append([]*segment(nil), w.segments...)
	w.liveMu.Unlock()
	for _, seg := range segments {
		seg.video.Abort()
		if seg.audio != nil {
			seg.audio.Abort()
		}
		seg.closeListener()
	}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// segment is one ffmpeg process writing one mp4 file.
type segment struct {
	index int
	path  string
	log   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *lockedBuffer

	ln      net.Listener
	lnOnce  sync.Once
	connCh  chan acceptResult
	conn    net.Conn
	exited  chan struct{}
	waitErr error
	closing atomic.Bool

	video *trackQueue[*media.VideoFrame]
	audio *trackQueue[*media.AudioChunk]

	// Each timeline is used only by its track's queue goroutine.
	frames  *videoTimeline
	samples *audioTimeline

	videoCount int
}

func (s *segment) wait(onUnexpectedExit func(error)) {
	err := s.cmd.Wait()
	s.waitErr = err
	close(s.exited)
	if s.closing.Load() {
		return
	}
	if err == nil {
		err = errors.New("exited early")
	}
	onUnexpectedExit(fmt.Errorf("ffmpeg segment %d: %w: %s", s.index, err, s.stderr.Tail(stderrTailBytes)))
}

func (s *segment) accept(timeout time.Duration) {
	if tl, ok := s.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := s.ln.Accept()
	s.closeListener()
	s.connCh <- acceptResult{conn: conn, err: err}
}

func (s *segment) closeListener() {
	if s.ln == nil {
		return
	}
	s.lnOnce.Do(func() {
		_ = s.ln.Close()
	})
}

func (s *segment) writeVideo(f *media.VideoFrame) error {
	return s.frames.write(s.stdin, f)
}

// writeAudio runs on the audio queue goroutine, the only user of s.conn
// until the queue is closed.
func (s *segment) writeAudio(c *media.AudioChunk) error {
	if s.conn == nil {
		select {
		case r := <-s.connCh:
			if r.err != nil {
				return fmt.Errorf("audio input not connected: %w", r.err)
			}
			s.conn = r.conn
		case <-s.exited:
			return errors.New("ffmpeg exited before audio input connected")
		}
	}
	return s.samples.write(s.conn, c)
}

func (s *segment) queueErr() error {
	if err := s.video.Err(); err != nil {
		return fmt.Errorf("video pipe: %w", err)
	}
	if s.audio != nil {
		if err := s.audio.Err(); err != nil {
			return fmt.Errorf("audio input: %w", err)
		}
	}
	return nil
}

// finish drains both queues, closes ffmpeg's inputs and waits for it to
// write the file.
func (s *segment) finish(ctx context.Context) error {
	s.closing.Store(true)

	qerr := s.video.Close()
	_ = s.stdin.Close()
	if s.audio != nil {
		qerr = errors.Join(qerr, s.audio.Close())
		if s.conn != nil {
			_ = s.conn.Close()
		} else {
			s.closeListener()
			select {
			case r := <-s.connCh:
				if r.conn != nil {
					_ = r.conn.Close()
				}
			default:
			}
		}
	}

	timer := time.NewTimer(segmentShutdownKillDelay)
	defer timer.Stop()
	select {
	case <-s.exited:
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-s.exited
		return ctx.Err()
	case <-timer.C:
		_ = s.cmd.Process.Kill()
		<-s.exited
		return fmt.Errorf("ffmpeg segment %d did not exit after input closed", s.index)
	}

	if s.waitErr != nil {
		return fmt.Errorf("ffmpeg segment %d: %w: %s", s.index, s.waitErr, s.stderr.Tail(stderrTailBytes))
	}
	if qerr != nil {
		return fmt.Errorf("ffmpeg segment %d: %w", s.index, qerr)
	}
	attrs := []any{"segment", s.index, "frames", s.videoCount,
		"video", s.frames.Duration(), "repeated", s.frames.repeated, "skipped", s.frames.skipped}
	if s.samples != nil {
		attrs = append(attrs, "audio", s.samples.Duration(), "padded", s.samples.padded, "trimmed", s.samples.trimmed)
	}
	s.log.Debug("segment finished", attrs...)
	return nil
}

// lockedBuffer keeps the most recent ffmpeg stderr output for error messages.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(p) > lockedBufferLimit {
		keep := b.buf.Bytes()
		if len(keep) > lockedBufferLimit/2 {
			keep = keep[len(keep)-lockedBufferLimit/2:]
		}
		rest := append([]byte(nil), keep...)
		b.buf.Reset()
		b.buf.Write(rest)
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return tailString(strings.TrimSpace(b.buf.String()), n)
}
