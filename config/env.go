package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvFrameRate   = "SCREENREC_FPS"
	EnvSystemAudio = "SCREENREC_SYSTEM_AUDIO"
	EnvMicrophone  = "SCREENREC_MICROPHONE"
	EnvOutputDir   = "SCREENREC_OUTPUT_DIR"
	EnvFFmpeg      = "SCREENREC_FFMPEG"
	EnvEncoder     = "SCREENREC_ENCODER"
)

func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		if n < minValue {
			n = minValue
		}
		if n > maxValue {
			n = maxValue
		}
	}

	return n
}

func StringEnv(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// ApplyEnv overrides s with any SCREENREC_* variables that are set.
func (s *Settings) ApplyEnv() {
	s.FrameRate = IntEnvClamped(EnvFrameRate, s.FrameRate, 1, 240)
	s.SystemAudio = BoolEnv(EnvSystemAudio, s.SystemAudio)
	s.Microphone = BoolEnv(EnvMicrophone, s.Microphone)
	s.OutputDir = StringEnv(EnvOutputDir, s.OutputDir)
	s.FFmpegPath = StringEnv(EnvFFmpeg, s.FFmpegPath)
	s.Encoder = StringEnv(EnvEncoder, s.Encoder)
}
