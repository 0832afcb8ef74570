package encoder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

// Encoder selections accepted by FFmpegOptions.Encoder besides a codec name.
const (
	EncoderAuto     = "auto"
	EncoderSoftware = "software"
)

type videoEncoderPlan struct {
	label      string
	codec      string
	hardware   bool
	globalArgs []string
	// pixFilter is appended to the scale filter, e.g. format=nv12,hwupload.
	pixFilter string
	codecArgs []string
}

// rateControl holds the per-recording values that go into codec arguments.
type rateControl struct {
	bitrate     int
	gop         int
	keySeconds  int
	outputScale string
}

func (rc rateControl) bitrateArgs() []string {
	kbps := rc.bitrate / 1000
	return []string{
		"-b:v", fmt.Sprintf("%dk", kbps),
		"-maxrate", fmt.Sprintf("%dk", kbps*5/4),
		"-bufsize", fmt.Sprintf("%dk", kbps*2),
	}
}

func (rc rateControl) gopArgs() []string {
	gop := strconv.Itoa(rc.gop)
	return []string{
		"-g", gop,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", rc.keySeconds),
	}
}

// videoFilter returns the full -vf chain for a plan.
func (p videoEncoderPlan) videoFilter(rc rateControl) string {
	f := rc.outputScale
	if p.pixFilter != "" {
		f += "," + p.pixFilter
	}
	return f
}

var (
	encoderListMu    sync.Mutex
	encoderListCache = map[string]map[string]struct{}{}

	planCacheMu sync.Mutex
	planCache   = map[string]videoEncoderPlan{}
)

// selectVideoEncoder picks the first hardware encoder that passes a probe
// encode, falling back to libx264 and then mpeg4. Results are cached per
// ffmpeg binary and selection, since probing spawns processes.
func selectVideoEncoder(ffmpegPath, choice string, log *slog.Logger) videoEncoderPlan {
	choice = strings.ToLower(strings.TrimSpace(choice))
	if choice == "" {
		choice = EncoderAuto
	}
	key := ffmpegPath + "|" + choice

	planCacheMu.Lock()
	if plan, ok := planCache[key]; ok {
		planCacheMu.Unlock()
		return plan
	}
	planCacheMu.Unlock()

	plan, reason := probeEncoderChoice(ffmpegPath, choice, log)
	reportEncoderSelection(log, plan, reason)

	planCacheMu.Lock()
	planCache[key] = plan
	planCacheMu.Unlock()
	return plan
}

func probeEncoderChoice(ffmpegPath, choice string, log *slog.Logger) (videoEncoderPlan, string) {
	available, encErr := ffmpegEncoderSet(ffmpegPath)
	if encErr != nil {
		log.Debug("encoder probe: ffmpeg -encoders failed", "err", encErr)
	}
	software := softwareEncoderPlan(available)

	switch choice {
	case EncoderSoftware:
		return software, "software_requested"
	case EncoderAuto:
	default:
		if _, ok := available[choice]; len(available) > 0 && !ok {
			return software, "requested_encoder_not_in_ffmpeg"
		}
		for _, candidate := range hardwareEncoderCandidates() {
			if candidate.codec == choice {
				return candidate, ""
			}
		}
		return videoEncoderPlan{
			label:     choice,
			codec:     choice,
			codecArgs: []string{"-c:v", choice},
			pixFilter: "format=yuv420p",
		}, ""
	}

	candidates := hardwareEncoderCandidates()
	if len(candidates) == 0 {
		return software, "no_hardware_candidates"
	}
	for _, candidate := range candidates {
		if len(available) > 0 {
			if _, ok := available[candidate.codec]; !ok {
				log.Debug("encoder probe skip", "encoder", candidate.label, "reason", "not_in_ffmpeg_encoder_list")
				continue
			}
		}
		if err := probeVideoEncoder(ffmpegPath, candidate); err == nil {
			return candidate, ""
		} else {
			log.Debug("encoder probe failed", "encoder", candidate.label, "err", err)
		}
	}
	return software, "all_hardware_probes_failed"
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	encoderListMu.Lock()
	defer encoderListMu.Unlock()
	if set, ok := encoderListCache[ffmpegPath]; ok {
		return set, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := processutil.Command(ctx, ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}

	encoders := parseEncoderList(string(out))
	encoderListCache[ffmpegPath] = encoders
	return encoders, nil
}

// parseEncoderList reads `ffmpeg -encoders` output. A legend ends with a
// " ------" line, after which lines look like
// " V..... h264_nvenc  NVIDIA NVENC H.264 encoder".
func parseEncoderList(out string) map[string]struct{} {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "---") {
			lines = lines[i+1:]
			break
		}
	}

	encoders := make(map[string]struct{})
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] == "=" {
			continue
		}
		if strings.HasPrefix(fields[0], "V") && len(fields[0]) == 6 {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

func reportEncoderSelection(log *slog.Logger, plan videoEncoderPlan, reason string) {
	mode := "software"
	if plan.hardware {
		mode = "hardware"
	}
	if reason == "" {
		log.Info("video encoder selected", "encoder", plan.label, "mode", mode)
		return
	}
	log.Info("video encoder selected", "encoder", plan.label, "mode", mode, "reason", reason)
}

func probeVideoEncoder(ffmpegPath string, plan videoEncoderPlan) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	rc := rateControl{bitrate: 4_000_000, gop: 60, keySeconds: 2, outputScale: "scale=1280:720"}
	args := []string{
		"-v", "error",
		"-nostdin",
	}
	args = append(args, plan.globalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
		"-r", "30",
		"-vf", plan.videoFilter(rc),
	)
	args = append(args, plan.args(rc)...)
	args = append(args, "-f", "null", "-")

	cmd := processutil.Command(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, tailString(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

// args returns the codec arguments for one recording.
func (p videoEncoderPlan) args(rc rateControl) []string {
	args := append([]string(nil), p.codecArgs...)
	if p.codec == "mpeg4" {
		return append(args, "-g", strconv.Itoa(rc.gop))
	}
	args = append(args, rc.bitrateArgs()...)
	args = append(args, rc.gopArgs()...)
	if p.codec == "libx264" {
		args = append(args, "-keyint_min", strconv.Itoa(rc.gop), "-sc_threshold", "0")
	}
	return args
}

func hardwareEncoderCandidates() []videoEncoderPlan {
	switch runtime.GOOS {
	case "darwin":
		return []videoEncoderPlan{
			hardwareEncoderPlan("h264_videotoolbox", "h264_videotoolbox", nil, "format=yuv420p"),
		}
	case "windows":
		return []videoEncoderPlan{
			hardwareEncoderPlan("h264_nvenc", "h264_nvenc", nil, "format=yuv420p"),
			hardwareEncoderPlan("h264_amf", "h264_amf", nil, "format=yuv420p"),
			hardwareEncoderPlan("h264_qsv", "h264_qsv", nil, "format=nv12"),
		}
	default:
		candidates := []videoEncoderPlan{
			hardwareEncoderPlan("h264_nvenc", "h264_nvenc", nil, "format=yuv420p"),
		}

		devices, err := filepath.Glob("/dev/dri/renderD*")
		if err == nil {
			for _, dev := range devices {
				label := fmt.Sprintf("h264_vaapi (%s)", dev)
				candidates = append(candidates, hardwareEncoderPlan("h264_vaapi", label, []string{"-vaapi_device", dev}, "format=nv12,hwupload"))
			}
		}

		candidates = append(candidates, hardwareEncoderPlan("h264_qsv", "h264_qsv", nil, "format=nv12"))
		return candidates
	}
}

func hardwareEncoderPlan(codec, label string, globalArgs []string, pixFilter string) videoEncoderPlan {
	return videoEncoderPlan{
		label:      label,
		codec:      codec,
		hardware:   true,
		globalArgs: append([]string(nil), globalArgs...),
		pixFilter:  pixFilter,
		codecArgs:  []string{"-c:v", codec},
	}
}

// softwareEncoderPlan returns libx264, or mpeg4 when this ffmpeg build lacks
// it. An empty set means the list could not be read; libx264 is assumed.
func softwareEncoderPlan(available map[string]struct{}) videoEncoderPlan {
	if _, ok := available["libx264"]; ok || len(available) == 0 {
		return videoEncoderPlan{
			label: "libx264",
			codec: "libx264",
			codecArgs: []string{
				"-c:v", "libx264",
				"-preset", "veryfast",
				"-pix_fmt", "yuv420p",
			},
		}
	}
	return videoEncoderPlan{
		label: "mpeg4",
		codec: "mpeg4",
		codecArgs: []string{
			"-c:v", "mpeg4",
			"-q:v", "3",
			"-pix_fmt", "yuv420p",
		},
	}
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
