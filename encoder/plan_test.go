package encoder

import (
	"slices"
	"strings"
	"testing"
)

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V..... mpeg4                MPEG-4 part 2
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoderList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"full listing", encodersOutput, []string{"libx264", "h264_nvenc", "mpeg4"}},
		{"legend only", "Encoders:\n V..... = Video\n A..... = Audio\n ------\n", nil},
		{"no legend", " V....D libx264  libx264 H.264\n A....D aac  AAC\n", []string{"libx264"}},
		{"legend without separator", " V..... = Video\n V..... mpeg4  MPEG-4 part 2\n", []string{"mpeg4"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseEncoderList(tt.output)
			var names []string
			for name := range got {
				names = append(names, name)
			}
			slices.Sort(names)
			want := slices.Clone(tt.want)
			slices.Sort(want)
			if !slices.Equal(names, want) {
				t.Fatalf("got %v, want %v", names, want)
			}
		})
	}
}

func TestSoftwareEncoderPlanFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		available map[string]struct{}
		want      string
	}{
		{"unknown list assumes libx264", nil, "libx264"},
		{"libx264 present", map[string]struct{}{"libx264": {}, "mpeg4": {}}, "libx264"},
		{"no libx264", map[string]struct{}{"mpeg4": {}}, "mpeg4"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := softwareEncoderPlan(tt.available).codec; got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlanArgs(t *testing.T) {
	t.Parallel()

	rc := rateControl{bitrate: 8_000_000, gop: 60, keySeconds: 2, outputScale: "scale=1920:1080"}

	x264 := softwareEncoderPlan(nil).args(rc)
	joined := strings.Join(x264, " ")
	for _, want := range []string{"-c:v libx264", "-b:v 8000k", "-maxrate 10000k", "-bufsize 16000k", "-g 60", "-keyint_min 60", "expr:gte(t,n_forced*2)"} {
		if !strings.Contains(joined, want) {
			t.Errorf("libx264 args %q missing %q", joined, want)
		}
	}

	mpeg4 := softwareEncoderPlan(map[string]struct{}{"mpeg4": {}}).args(rc)
	if slices.Contains(mpeg4, "-b:v") {
		t.Errorf("mpeg4 args should use fixed quality: %v", mpeg4)
	}
	if i := slices.Index(mpeg4, "-g"); i < 0 || mpeg4[i+1] != "60" {
		t.Errorf("mpeg4 args missing gop: %v", mpeg4)
	}

	vaapi := hardwareEncoderPlan("h264_vaapi", "h264_vaapi", []string{"-vaapi_device", "/dev/dri/renderD128"}, "format=nv12,hwupload")
	if got, want := vaapi.videoFilter(rc), "scale=1920:1080,format=nv12,hwupload"; got != want {
		t.Errorf("filter: got %q, want %q", got, want)
	}
	if !vaapi.hardware || vaapi.globalArgs[0] != "-vaapi_device" {
		t.Errorf("unexpected vaapi plan: %+v", vaapi)
	}
}

func TestNormalizeFFmpegOptions(t *testing.T) {
	t.Parallel()

	got := normalizeFFmpegOptions(FFmpegOptions{VideoQueue: 1, AudioQueue: 100000})
	if got.Path != defaultFFmpegPath {
		t.Errorf("path: got %q", got.Path)
	}
	if got.VideoQueue != 2 {
		t.Errorf("video queue: got %d, want 2", got.VideoQueue)
	}
	if got.AudioQueue != 4096 {
		t.Errorf("audio queue: got %d, want 4096", got.AudioQueue)
	}
	if got.AudioConnTimeout != defaultAudioConnTimeout {
		t.Errorf("conn timeout: got %v", got.AudioConnTimeout)
	}

	def := normalizeFFmpegOptions(FFmpegOptions{})
	if def.VideoQueue != defaultVideoQueueFrames || def.AudioQueue != defaultAudioQueueChunks {
		t.Errorf("defaults: got %d/%d", def.VideoQueue, def.AudioQueue)
	}
}

func TestTailString(t *testing.T) {
	t.Parallel()

	if got := tailString("", 10); got != "no ffmpeg stderr output" {
		t.Errorf("empty: got %q", got)
	}
	if got := tailString("abcdef", 3); got != "def" {
		t.Errorf("tail: got %q, want def", got)
	}
	if got := tailString("abc", 0); got != "abc" {
		t.Errorf("unbounded: got %q", got)
	}
}
