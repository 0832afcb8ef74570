// Package audio converts captured audio of arbitrary layout into one canonical
// format and mixes the per-source streams into a single track.
package audio

import (
	"encoding/binary"
	"math"

	"go2tv.app/screenrec/media"
)

// sanitize maps NaN to silence and clamps everything else to [-1, 1].
func sanitize(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

// readSample decodes one little-endian sample at off and normalizes it to
// [-1, 1].
func readSample(b []byte, off int, f media.SampleFormat) float32 {
	switch f {
	case media.SampleInt16:
		return float32(int16(binary.LittleEndian.Uint16(b[off:]))) / 32768
	case media.SampleInt32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b[off:]))) / 2147483648)
	case media.SampleFloat32:
		return sanitize(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	case media.SampleFloat64:
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
		if math.IsNaN(v) {
			return 0
		}
		return sanitize(float32(math.Max(-1, math.Min(1, v))))
	default:
		return 0
	}
}

// writeSample encodes v (already in [-1, 1]) at off.
func writeSample(b []byte, off int, f media.SampleFormat, v float32) {
	switch f {
	case media.SampleInt16:
		binary.LittleEndian.PutUint16(b[off:], uint16(floatToInt16(v)))
	case media.SampleInt32:
		s := math.Round(float64(v) * 2147483647)
		binary.LittleEndian.PutUint32(b[off:], uint32(int32(math.Max(-2147483648, math.Min(2147483647, s)))))
	case media.SampleFloat32:
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
	case media.SampleFloat64:
		binary.LittleEndian.PutUint64(b[off:], math.Float64bits(float64(v)))
	}
}

func putFloat32(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
}

func floatToInt16(v float32) int16 {
	if v != v {
		return 0
	}
	if v >= 1 {
		return 32767
	}
	if v <= -1 {
		return -32768
	}
	return int16(math.Round(float64(v) * 32767))
}

// decodeInterleaved appends the chunk's samples to dst as interleaved
// normalized floats in the chunk's own channel count.
func decodeInterleaved(dst []float32, c *media.AudioChunk) []float32 {
	size := c.Format.Sample.Size()
	channels := c.Format.Channels
	if c.Format.Planes() == 1 {
		data := c.Data[0]
		total := c.Frames * channels
		for i := 0; i < total; i++ {
			dst = append(dst, readSample(data, i*size, c.Format.Sample))
		}
		return dst
	}
	for frame := 0; frame < c.Frames; frame++ {
		off := frame * size
		for ch := 0; ch < channels; ch++ {
			dst = append(dst, readSample(c.Data[ch], off, c.Format.Sample))
		}
	}
	return dst
}

// remapChannels appends src (interleaved, in channels) to dst with out
// channels. Mono is duplicated into both sides; stereo is averaged to mono.
func remapChannels(dst, src []float32, in, out int) []float32 {
	if in == out {
		return append(dst, src...)
	}
	frames := len(src) / in
	switch {
	case in == 1 && out == 2:
		for i := 0; i < frames; i++ {
			dst = append(dst, src[i], src[i])
		}
	case in == 2 && out == 1:
		for i := 0; i < frames; i++ {
			dst = append(dst, (src[2*i]+src[2*i+1])/2)
		}
	}
	return dst
}

// EncodeFloat32 writes interleaved float samples as little-endian float32.
func EncodeFloat32(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

// DecodeFloat32 reads little-endian float32 samples from b.
func DecodeFloat32(dst []float32, b []byte) []float32 {
	for off := 0; off+4 <= len(b); off += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	return dst
}

// FloatToInt16 converts a normalized sample to 16-bit PCM with clamping.
func FloatToInt16(v float32) int16 {
	return floatToInt16(v)
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
