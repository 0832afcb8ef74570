// Package config holds the recording settings: defaults, the yaml settings
// file, environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go2tv.app/screenrec/media"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Resolution is the output size of a recording.
type Resolution string

const (
	ResolutionNative Resolution = "native"
	Resolution720p   Resolution = "720p"
	Resolution1080p  Resolution = "1080p"
	Resolution1440p  Resolution = "1440p"
	Resolution2160p  Resolution = "2160p"
)

var resolutionHeights = map[Resolution]int{
	Resolution720p:  720,
	Resolution1080p: 1080,
	Resolution1440p: 1440,
	Resolution2160p: 2160,
}

// FrameRates lists the supported recording frame rates.
var FrameRates = []int{15, 24, 30, 60}

// Scale returns the output size for a captured width x height. The aspect
// ratio is kept, sizes are even, and recordings are never upscaled.
func (r Resolution) Scale(width, height int) (int, int) {
	target, ok := resolutionHeights[r]
	if !ok || height <= target {
		return width, height
	}
	w := width * target / height
	return w &^ 1, target &^ 1
}

// Settings configures recordings.
type Settings struct {
	OutputDir   string     `yaml:"output_dir"`
	Resolution  Resolution `yaml:"resolution"`
	FrameRate   int        `yaml:"frame_rate"`
	SystemAudio bool       `yaml:"system_audio"`
	Microphone  bool       `yaml:"microphone"`
	// MicrophoneDevice picks a capture device by name. Empty is the default
	// device.
	MicrophoneDevice string `yaml:"microphone_device"`
	// SystemAudioDevice records system audio from a capture device, such as
	// a PulseAudio monitor, on platforms without loopback capture.
	SystemAudioDevice string `yaml:"system_audio_device"`
	// Region is the default capture rectangle as WxH+X+Y.
	Region string `yaml:"region"`

	// Encoder is "auto", "software" or an ffmpeg encoder name.
	Encoder    string `yaml:"encoder"`
	FFmpegPath string `yaml:"ffmpeg_path"`
	// AudioSidecar also writes the mixed audio as a WAV file.
	AudioSidecar bool `yaml:"audio_sidecar"`
	// Gains switch the mixer to a weighted sum. Empty means soft clipping.
	Gains map[media.SourceID]float64 `yaml:"gains,omitempty"`

	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"`
	VideoQueue          int           `yaml:"video_queue"`
	AudioQueue          int           `yaml:"audio_queue"`
	// StaleTempAge is how old a leftover work directory must be before it is
	// removed at start.
	StaleTempAge time.Duration `yaml:"stale_temp_age"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	dir, err := os.UserHomeDir()
	if err == nil {
		videos := filepath.Join(dir, "Videos")
		if info, statErr := os.Stat(videos); statErr == nil && info.IsDir() {
			dir = videos
		}
	} else {
		dir = "."
	}
	return &Settings{
		OutputDir:           dir,
		Resolution:          ResolutionNative,
		FrameRate:           30,
		SystemAudio:         true,
		Microphone:          true,
		Region:              "1920x1080+0+0",
		Encoder:             "auto",
		FFmpegPath:          "ffmpeg",
		BackpressureTimeout: time.Second,
		VideoQueue:          8,
		AudioQueue:          64,
		StaleTempAge:        12 * time.Hour,
	}
}

// Load reads a settings file on top of the defaults.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// DefaultPaths returns the settings files LoadWithFallback tries, most
// specific first.
func DefaultPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".screenrec.yaml"))
	}
	return append(paths, "/etc/screenrec/config.yaml")
}

// LoadWithFallback loads explicitPath when given. Otherwise it uses the
// first readable file of DefaultPaths, or the defaults.
func LoadWithFallback(explicitPath string) (*Settings, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if s, err := Load(p); err == nil {
			return s, nil
		}
	}
	return Default(), nil
}

// Save writes the settings as yaml, creating the directory if needed.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// AudioSources returns the enabled audio inputs in mixing order.
func (s *Settings) AudioSources() []media.SourceID {
	var ids []media.SourceID
	if s.SystemAudio {
		ids = append(ids, media.SourceSystem)
	}
	if s.Microphone {
		ids = append(ids, media.SourceMicrophone)
	}
	return ids
}

// Validate checks everything a recording needs before it starts.
func (s *Settings) Validate() error {
	var errs []error
	if _, ok := resolutionHeights[s.Resolution]; !ok && s.Resolution != ResolutionNative {
		errs = append(errs, fmt.Errorf("unknown resolution %q", s.Resolution))
	}
	if !validFrameRate(s.FrameRate) {
		errs = append(errs, fmt.Errorf("frame rate %d, want one of %v", s.FrameRate, FrameRates))
	}
	if strings.TrimSpace(s.OutputDir) == "" {
		errs = append(errs, errors.New("output directory is empty"))
	} else if info, err := os.Stat(s.OutputDir); err != nil {
		errs = append(errs, fmt.Errorf("output directory: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("output directory %s is not a directory", s.OutputDir))
	}
	if strings.TrimSpace(s.Encoder) == "" {
		errs = append(errs, errors.New("encoder is empty"))
	}
	for id, g := range s.Gains {
		if id != media.SourceSystem && id != media.SourceMicrophone {
			errs = append(errs, fmt.Errorf("gain for unknown source %q", id))
		}
		if g < 0 || g > 4 {
			errs = append(errs, fmt.Errorf("gain %v for %s out of range [0, 4]", g, id))
		}
	}
	if s.BackpressureTimeout < 0 || s.BackpressureTimeout > 10*time.Second {
		errs = append(errs, fmt.Errorf("backpressure timeout %v out of range", s.BackpressureTimeout))
	}
	if s.VideoQueue < 0 || s.AudioQueue < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

func validFrameRate(fps int) bool {
	for _, f := range FrameRates {
		if f == fps {
			return true
		}
	}
	return false
}
