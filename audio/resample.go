package audio

import "math"

// Resampler converts interleaved float audio from one rate to another. It may
// keep state between calls so consecutive chunks join without seams.
type Resampler interface {
	// Resample appends the converted frames of src to dst.
	Resample(dst, src []float32, channels int) []float32
	// Reset drops any carried state.
	Reset()
}

// ResamplerFactory builds a Resampler for a rate pair.
type ResamplerFactory func(inRate, outRate float64) Resampler

// NewLinearResampler returns a linear interpolation resampler. When the rates
// are equal it copies samples through unchanged.
func NewLinearResampler(inRate, outRate float64) Resampler {
	if inRate == outRate {
		return passthrough{}
	}
	return &linearResampler{step: inRate / outRate}
}

type passthrough struct{}

func (passthrough) Resample(dst, src []float32, _ int) []float32 {
	return append(dst, src...)
}

func (passthrough) Reset() {}

// linearResampler interpolates between adjacent source frames at fractional
// positions step apart. pos is the source position of the next output frame
// relative to the start of the next chunk; -1 addresses prev.
type linearResampler struct {
	step    float64
	pos     float64
	prev    []float32
	hasPrev bool
}

func (r *linearResampler) Resample(dst, src []float32, channels int) []float32 {
	if channels <= 0 {
		return dst
	}
	n := len(src) / channels
	if n == 0 {
		return dst
	}
	if len(r.prev) != channels {
		r.prev = make([]float32, channels)
		r.hasPrev = false
		r.pos = 0
	}

	p := r.pos
	if !r.hasPrev && p < 0 {
		p = 0
	}
	last := float64(n - 1)
	for p <= last {
		i := int(math.Floor(p))
		frac := float32(p - float64(i))
		for ch := 0; ch < channels; ch++ {
			var s0 float32
			if i < 0 {
				s0 = r.prev[ch]
			} else {
				s0 = src[i*channels+ch]
			}
			if frac == 0 {
				dst = append(dst, s0)
				continue
			}
			s1 := src[(i+1)*channels+ch]
			dst = append(dst, s0+frac*(s1-s0))
		}
		p += r.step
	}

	r.pos = p - float64(n)
	copy(r.prev, src[(n-1)*channels:n*channels])
	r.hasPrev = true
	return dst
}

func (r *linearResampler) Reset() {
	r.pos = 0
	r.hasPrev = false
	for i := range r.prev {
		r.prev[i] = 0
	}
}
