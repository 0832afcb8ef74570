package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/config"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/media"
	"go2tv.app/screenrec/recorder"
)

var Version = "dev"

const (
	finishTimeout  = 2 * time.Minute
	statusInterval = 10 * time.Second
)

var (
	configFile  = flag.String("config", "", "Path to settings file (default: ~/.screenrec.yaml or /etc/screenrec/config.yaml)")
	frameRate   = flag.Int("fps", 30, "Frame rate: 15, 24, 30 or 60")
	resolution  = flag.String("resolution", "native", "Output resolution: native, 720p, 1080p, 1440p or 2160p")
	systemAudio = flag.Bool("system-audio", true, "Record system audio")
	microphone  = flag.Bool("mic", true, "Record the microphone")
	outputDir   = flag.String("out", "", "Output directory")
	region      = flag.String("region", "", "Capture region as WxH+X+Y")
	wavSidecar  = flag.Bool("wav", false, "Also write the mixed audio as a WAV file")
	maxDuration = flag.Duration("duration", 0, "Stop after this long (0 records until stopped)")
	synthetic   = flag.Bool("synthetic", false, "Record a generated test pattern and tones instead of the screen")
	usePortal   = flag.Bool("portal", false, "Pick the monitor through the desktop portal")
	listDevices = flag.Bool("list-devices", false, "List audio capture devices")
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	log := logging.New()
	slog.SetDefault(log)

	if *showVersion {
		fmt.Printf("screenrec %s\n", Version)
		return
	}
	if *listDevices {
		if err := printDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(log); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}
}

func printDevices(w io.Writer) error {
	devices, err := capture.ListAudioDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\n", mark, d.Name)
	}
	return nil
}

// loadSettings layers the settings file, the environment and explicit flags.
func loadSettings() (*config.Settings, error) {
	s, err := config.LoadWithFallback(*configFile)
	if err != nil {
		return nil, err
	}
	s.ApplyEnv()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fps":
			s.FrameRate = *frameRate
		case "resolution":
			s.Resolution = config.Resolution(*resolution)
		case "system-audio":
			s.SystemAudio = *systemAudio
		case "mic":
			s.Microphone = *microphone
		case "out":
			s.OutputDir = *outputDir
		case "region":
			s.Region = *region
		case "wav":
			s.AudioSidecar = *wavSidecar
		}
	})
	return s, nil
}

func run(log *slog.Logger) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var desktop *portal.Portal
	if *usePortal || (runtime.GOOS == "linux" && !*synthetic) {
		desktop, err = portal.New(log)
		if err != nil {
			if *usePortal {
				return err
			}
			log.Debug("desktop portal unavailable", "err", err)
			desktop = nil
		}
	}

	area, err := selectRegion(ctx, settings, desktop)
	if err != nil {
		return err
	}

	failed := make(chan error, 1)
	opts := recorder.Options{
		Log: log,
		OnDuration: func(d time.Duration) {
			fmt.Fprintf(os.Stderr, "\rREC %s ", formatDuration(d))
		},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}
	if desktop != nil {
		opts.Inhibitor = desktop
	}

	rec := recorder.New(settings, buildSource(settings, log), opts)
	session, err := rec.Start(ctx, area, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Recording %s to %s\n", area, session.OutputPath)
	fmt.Fprintln(os.Stderr, "Commands: p pause, r resume, s stop, c cancel")

	cmds := make(chan string)
	go readCommands(os.Stdin, cmds)

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return control(gctx, rec, cmds, failed, *maxDuration)
	})
	g.Go(func() error {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-t.C:
				st := rec.Status()
				log.Debug("recording status",
					"state", st.State,
					"elapsed", st.Elapsed,
					"video_frames", st.VideoFrames,
					"video_dropped", st.VideoDropped+st.InputVideoDropped,
					"audio_chunks", st.AudioChunks,
					"silence_frames", st.SilenceFrames,
					"device_changes", st.Mixer.DeviceChanges,
				)
			}
		}
	})
	return g.Wait()
}

func selectRegion(ctx context.Context, s *config.Settings, desktop *portal.Portal) (capture.Region, error) {
	if *usePortal {
		streams, err := desktop.SelectMonitor(ctx, portal.SelectOptions{ShowCursor: true})
		if err != nil {
			return capture.Region{}, err
		}
		return streams[0].Region(), nil
	}
	return capture.ParseRegion(s.Region)
}

func buildSource(s *config.Settings, log *slog.Logger) capture.Source {
	if *synthetic {
		return capture.NewSynthetic(capture.SyntheticOptions{Tones: capture.DefaultTones()})
	}

	sources := []capture.Source{
		capture.NewScreenGrabber(capture.GrabberOptions{FFmpegPath: s.FFmpegPath, Log: log}),
	}
	if s.SystemAudio {
		opts := capture.AudioDeviceOptions{Source: media.SourceSystem, Log: log}
		switch {
		case s.SystemAudioDevice != "":
			opts.DeviceName = s.SystemAudioDevice
		case runtime.GOOS == "windows":
			opts.Loopback = true
		default:
			log.Warn("system audio needs system_audio_device on this platform, recording without it")
			s.SystemAudio = false
		}
		if s.SystemAudio {
			sources = append(sources, capture.NewAudioDevice(opts))
		}
	}
	if s.Microphone {
		sources = append(sources, capture.NewAudioDevice(capture.AudioDeviceOptions{
			Source:     media.SourceMicrophone,
			DeviceName: s.MicrophoneDevice,
			Log:        log,
		}))
	}
	return capture.NewComposite(sources...)
}

func readCommands(r io.Reader, cmds chan<- string) {
	defer close(cmds)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if cmd := strings.ToLower(strings.TrimSpace(sc.Text())); cmd != "" {
			cmds <- cmd[:1]
		}
	}
}

// control runs the recording until it is stopped, cancelled or fails.
func control(ctx context.Context, rec *recorder.Coordinator, cmds <-chan string, failed <-chan error, limit time.Duration) error {
	var timeout <-chan time.Time
	if limit > 0 {
		t := time.NewTimer(limit)
		defer t.Stop()
		timeout = t.C
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return finish(rec)
		case <-timeout:
			return finish(rec)
		case err := <-failed:
			_ = rec.Acknowledge()
			return err
		case cmd, ok := <-cmds:
			if !ok {
				// stdin closed; keep recording until a signal or the limit.
				cmds = nil
				continue
			}
			switch cmd {
			case "p":
				if err = rec.Pause(); err == nil {
					fmt.Fprintln(os.Stderr, "\nPaused")
				}
			case "r":
				if err = rec.Resume(); err == nil {
					fmt.Fprintln(os.Stderr, "\nResumed")
				}
			case "s", "q":
				return finish(rec)
			case "c":
				if err := rec.Cancel(); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "\nRecording discarded")
				return nil
			default:
				fmt.Fprintln(os.Stderr, "\nCommands: p pause, r resume, s stop, c cancel")
			}
		}
		var se *recorder.StateError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		} else if err != nil {
			return err
		}
	}
}

func finish(rec *recorder.Coordinator) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	fmt.Fprintln(os.Stderr, "\nFinishing...")
	res, err := rec.Stop(ctx)
	if err != nil {
		_ = rec.Acknowledge()
		return err
	}
	fmt.Printf("Saved %s (%s, %dx%d, %.1f MB)\n", res.Path, formatDuration(res.Duration), res.Width, res.Height, float64(res.Size)/(1<<20))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
