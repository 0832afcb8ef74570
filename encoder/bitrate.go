package encoder

// bitrateTier maps an output pixel count to a video bitrate at 30 fps.
type bitrateTier struct {
	maxPixels int
	bps       int
}

var bitrateTable = []bitrateTier{
	{maxPixels: 854 * 480, bps: 2_500_000},
	{maxPixels: 1280 * 720, bps: 5_000_000},
	{maxPixels: 1920 * 1080, bps: 8_000_000},
	{maxPixels: 2560 * 1440, bps: 16_000_000},
	{maxPixels: 3840 * 2160, bps: 35_000_000},
}

// Bitrate returns the target video bitrate in bits per second for the output
// size and frame rate. Rates above 30 fps get half again as much, rates below
// 24 fps two thirds.
func Bitrate(width, height, fps int) int {
	pixels := width * height
	bps := bitrateTable[len(bitrateTable)-1].bps
	for _, tier := range bitrateTable {
		if pixels <= tier.maxPixels {
			bps = tier.bps
			break
		}
	}
	switch {
	case fps > 30:
		bps = bps * 3 / 2
	case fps > 0 && fps < 24:
		bps = bps * 2 / 3
	}
	return bps
}

// KeyframeInterval returns the distance between periodic keyframes in frames.
func KeyframeInterval(fps int) int {
	if fps <= 0 {
		return 60
	}
	return 2 * fps
}
