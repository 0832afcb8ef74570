package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go2tv.app/screenrec/media"
)

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "screenrec.yaml")
	data := []byte(`output_dir: /tmp/recordings
frame_rate: 60
microphone: false
resolution: 1080p
backpressure_timeout: 500ms
gains:
  microphone: 1.5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.OutputDir != "/tmp/recordings" || s.FrameRate != 60 || s.Microphone {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.Resolution != Resolution1080p {
		t.Fatalf("resolution: got %q", s.Resolution)
	}
	if s.BackpressureTimeout != 500*time.Millisecond {
		t.Fatalf("backpressure timeout: got %v", s.BackpressureTimeout)
	}
	if s.Gains[media.SourceMicrophone] != 1.5 {
		t.Fatalf("gains: got %v", s.Gains)
	}
	if !s.SystemAudio || s.Encoder != "auto" {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("frame_rate: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadWithFallback(bad); err == nil {
		t.Fatal("explicit path errors must not fall back")
	}
}

func TestSaveThenLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "screenrec.yaml")
	s := Default()
	s.FrameRate = 24
	s.AudioSidecar = true
	s.StaleTempAge = time.Hour
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.FrameRate != 24 || !got.AudioSidecar || got.StaleTempAge != time.Hour {
		t.Fatalf("got %+v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(*Settings)
		wantOK bool
	}{
		{"defaults", func(*Settings) {}, true},
		{"frame rate", func(s *Settings) { s.FrameRate = 25 }, false},
		{"resolution", func(s *Settings) { s.Resolution = "4k" }, false},
		{"missing dir", func(s *Settings) { s.OutputDir = filepath.Join(dir, "nope") }, false},
		{"dir is a file", func(s *Settings) { s.OutputDir = file }, false},
		{"empty encoder", func(s *Settings) { s.Encoder = " " }, false},
		{"gain range", func(s *Settings) { s.Gains = map[media.SourceID]float64{media.SourceSystem: 5} }, false},
		{"gain source", func(s *Settings) { s.Gains = map[media.SourceID]float64{"camera": 1} }, false},
		{"negative queue", func(s *Settings) { s.VideoQueue = -1 }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := Default()
			s.OutputDir = dir
			tt.modify(s)
			err := s.Validate()
			if tt.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantOK && !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("got %v, want ErrInvalidSettings", err)
			}
		})
	}
}

func TestResolutionScale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		res        Resolution
		w, h       int
		wantW, wnH int
	}{
		{ResolutionNative, 2560, 1440, 2560, 1440},
		{Resolution1080p, 2560, 1440, 1920, 1080},
		{Resolution720p, 1920, 1080, 1280, 720},
		{Resolution1440p, 1920, 1080, 1920, 1080},
		{Resolution720p, 1366, 768, 1280, 720},
	}
	for _, tt := range tests {
		tt := tt
		w, h := tt.res.Scale(tt.w, tt.h)
		if w != tt.wantW || h != tt.wnH {
			t.Errorf("%s of %dx%d: got %dx%d, want %dx%d", tt.res, tt.w, tt.h, w, h, tt.wantW, tt.wnH)
		}
	}
}

func TestAudioSources(t *testing.T) {
	t.Parallel()

	s := Default()
	if got := s.AudioSources(); !slices.Equal(got, []media.SourceID{media.SourceSystem, media.SourceMicrophone}) {
		t.Fatalf("got %v", got)
	}
	s.SystemAudio = false
	if got := s.AudioSources(); !slices.Equal(got, []media.SourceID{media.SourceMicrophone}) {
		t.Fatalf("got %v", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvFrameRate, "1000")
	t.Setenv(EnvMicrophone, "off")
	t.Setenv(EnvOutputDir, "/srv/rec")
	t.Setenv(EnvSystemAudio, "maybe")

	s := Default()
	s.ApplyEnv()
	if s.FrameRate != 240 {
		t.Errorf("frame rate: got %d, want clamped 240", s.FrameRate)
	}
	if s.Microphone {
		t.Error("microphone should be off")
	}
	if !s.SystemAudio {
		t.Error("invalid bool must keep the current value")
	}
	if s.OutputDir != "/srv/rec" {
		t.Errorf("output dir: got %q", s.OutputDir)
	}
}
