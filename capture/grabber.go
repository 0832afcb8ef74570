package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/bufpool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

// GrabberOptions configures a ScreenGrabber.
type GrabberOptions struct {
	// FFmpegPath defaults to "ffmpeg" on PATH.
	FFmpegPath string
	HideCursor bool
	// Queue bounds frames waiting for the handler.
	Queue             int
	FirstFrameTimeout time.Duration
	Log               *slog.Logger
}

// ScreenGrabber captures a screen region with ffmpeg's platform grabber
// (x11grab, avfoundation or gdigrab) and delivers packed BGRA frames.
type ScreenGrabber struct {
	opts GrabberOptions
	log  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	deliv   *delivery[*media.VideoFrame]
	readWG  sync.WaitGroup
	stderr  *tailBuffer
}

// NewScreenGrabber returns an idle grabber.
func NewScreenGrabber(opts GrabberOptions) *ScreenGrabber {
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultVideoQueue
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = defaultFirstFrameTimeout
	}
	return &ScreenGrabber{
		opts: opts,
		log:  logging.Component(opts.Log, "grabber"),
	}
}

// grabInputArgs returns the ffmpeg input and filter arguments for goos.
func grabInputArgs(goos string, r Region, fps int, drawMouse bool) ([]string, error) {
	mouse := "0"
	if drawMouse {
		mouse = "1"
	}
	rate := strconv.Itoa(fps)
	size := fmt.Sprintf("%dx%d", r.Width, r.Height)

	switch goos {
	case "darwin":
		screen := r.Display
		if screen == "" {
			screen = "Capture screen 0"
		}
		return []string{
			"-f", "avfoundation",
			"-framerate", rate,
			"-capture_cursor", mouse,
			"-pixel_format", "bgr0",
			"-i", screen + ":none",
			"-vf", fmt.Sprintf("crop=%d:%d:%d:%d", r.Width, r.Height, r.X, r.Y),
		}, nil
	case "windows":
		return []string{
			"-f", "gdigrab",
			"-framerate", rate,
			"-draw_mouse", mouse,
			"-offset_x", strconv.Itoa(r.X),
			"-offset_y", strconv.Itoa(r.Y),
			"-video_size", size,
			"-i", "desktop",
		}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		display := r.Display
		if display == "" {
			display = os.Getenv("DISPLAY")
		}
		if display == "" {
			display = ":0.0"
		}
		return []string{
			"-f", "x11grab",
			"-framerate", rate,
			"-draw_mouse", mouse,
			"-video_size", size,
			"-i", fmt.Sprintf("%s+%d,%d", display, r.X, r.Y),
		}, nil
	default:
		return nil, fmt.Errorf("%w: no ffmpeg grabber for %s", ErrNotImplemented, goos)
	}
}

// Start launches ffmpeg and returns once the first frame arrived.
func (g *ScreenGrabber) Start(ctx context.Context, req Request, h Handler) error {
	if err := req.Region.Validate(); err != nil {
		return err
	}
	if req.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate %d", ErrInvalidOptions, req.FrameRate)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrRunning
	}

	path, err := exec.LookPath(g.opts.FFmpegPath)
	if err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", g.opts.FFmpegPath, err)
	}
	input, err := grabInputArgs(runtime.GOOS, req.Region, req.FrameRate, !g.opts.HideCursor)
	if err != nil {
		return err
	}
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, input...)
	args = append(args, "-an", "-pix_fmt", "bgra", "-f", "rawvideo", "pipe:1")

	cctx, cancel := context.WithCancel(context.Background())
	cmd := processutil.Command(cctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	g.stderr = &tailBuffer{}
	cmd.Stderr = g.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpeg start: %w", err)
	}
	g.log.Debug("grabber started", "region", req.Region.String(), "fps", req.FrameRate, "pid", cmd.Process.Pid)

	frameSize := req.Region.Width * req.Region.Height * media.PixelFormatBGRA.BytesPerPixel()
	pool := bufpool.New[byte](frameSize, g.opts.Queue+2)
	g.deliv = startDelivery("video", g.opts.Queue, func(f *media.VideoFrame) { f.Release() }, h.HandleVideo, g.log)
	g.cmd = cmd
	g.cancel = cancel
	g.running = true

	ready := make(chan struct{})
	failed := make(chan error, 1)
	g.readWG.Add(1)
	go g.readFrames(cctx, stdout, req.Region, pool, ready, failed)

	if err := waitForFirstFrame("ffmpeg", ready, failed, g.opts.FirstFrameTimeout); err != nil {
		g.stopLocked()
		return fmt.Errorf("%w: %s", err, g.stderr.Tail(300))
	}
	return nil
}

func (g *ScreenGrabber) readFrames(ctx context.Context, r io.Reader, region Region, pool *bufpool.Pool[byte], ready chan struct{}, failed chan error) {
	defer g.readWG.Done()

	start := time.Now()
	var once sync.Once
	deliv := g.deliv
	for {
		buf := pool.Get(pool.Size())
		if _, err := io.ReadFull(r, buf); err != nil {
			pool.Put(buf)
			if ctx.Err() == nil {
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					err = fmt.Errorf("ffmpeg stopped: %s", g.stderr.Tail(300))
				}
				g.log.Error("screen capture ended", "err", err)
				select {
				case failed <- err:
				default:
				}
			}
			return
		}
		once.Do(func() { close(ready) })
		frame := media.NewPooledVideoFrame(region.Width, region.Height, media.PixelFormatBGRA, buf, time.Since(start), func() { pool.Put(buf) })
		deliv.push(frame)
	}
}

// Stop ends ffmpeg. No frames are delivered after it returns.
func (g *ScreenGrabber) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked()
}

func (g *ScreenGrabber) stopLocked() error {
	if !g.running {
		return nil
	}
	g.running = false
	g.cancel()
	g.readWG.Wait()
	_ = g.cmd.Wait()
	g.deliv.stop()
	if n := g.deliv.dropped(); n > 0 {
		g.log.Info("grabber stopped", "dropped_frames", n)
	}
	return nil
}

// tailBuffer keeps the last few KB of ffmpeg stderr.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 8<<10 {
		rest := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-4<<10:]...)
		b.buf.Reset()
		b.buf.Write(rest)
	}
	return b.buf.Write(p)
}

func (b *tailBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
