package audio

import (
	"errors"
	"fmt"

	"go2tv.app/screenrec/media"
)

var (
	// ErrUnsupportedFormat is returned for descriptors the converter cannot
	// represent: unknown sample formats or channel counts other than 1 and 2.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrFormatMismatch is returned when a chunk does not carry the format the
	// converter was built for.
	ErrFormatMismatch = errors.New("audio chunk format does not match converter input")
)

// Converter turns chunks of one input format into the output format. The
// resampler carries state across calls, so a Converter must only see chunks
// of a single continuous stream.
type Converter struct {
	in  media.AudioFormat
	out media.AudioFormat
	rs  Resampler

	decoded   []float32
	resampled []float32
}

// NewConverter builds a converter from in to out. newResampler may be nil, in
// which case the linear resampler is used.
func NewConverter(in, out media.AudioFormat, newResampler ResamplerFactory) (*Converter, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: input %v", ErrUnsupportedFormat, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: output %v", ErrUnsupportedFormat, err)
	}
	if newResampler == nil {
		newResampler = NewLinearResampler
	}
	return &Converter{
		in:  in,
		out: out,
		rs:  newResampler(in.SampleRate, out.SampleRate),
	}, nil
}

// Input returns the format the converter accepts.
func (c *Converter) Input() media.AudioFormat { return c.in }

// Output returns the format the converter produces.
func (c *Converter) Output() media.AudioFormat { return c.out }

// AppendFloat converts chunk and appends the result to dst as interleaved
// floats in the output rate and channel count. The output sample format is
// not applied.
func (c *Converter) AppendFloat(dst []float32, chunk *media.AudioChunk) ([]float32, error) {
	if err := chunk.Validate(); err != nil {
		return dst, err
	}
	if chunk.Format != c.in {
		return dst, fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, chunk.Format, c.in)
	}
	if chunk.Frames == 0 {
		return dst, nil
	}

	c.decoded = decodeInterleaved(c.decoded[:0], chunk)
	c.resampled = c.rs.Resample(c.resampled[:0], c.decoded, c.in.Channels)
	return remapChannels(dst, c.resampled, c.in.Channels, c.out.Channels), nil
}

// Convert returns a new chunk holding chunk's audio in the output format. The
// input chunk is not modified.
func (c *Converter) Convert(chunk *media.AudioChunk) (*media.AudioChunk, error) {
	samples, err := c.AppendFloat(nil, chunk)
	if err != nil {
		return nil, err
	}

	frames := len(samples) / c.out.Channels
	size := c.out.Sample.Size()
	var data [][]byte
	if c.out.Planes() == 1 {
		buf := make([]byte, len(samples)*size)
		for i, s := range samples {
			writeSample(buf, i*size, c.out.Sample, s)
		}
		data = [][]byte{buf}
	} else {
		data = make([][]byte, c.out.Channels)
		for ch := range data {
			data[ch] = make([]byte, frames*size)
		}
		for i, s := range samples {
			ch := i % c.out.Channels
			writeSample(data[ch], (i/c.out.Channels)*size, c.out.Sample, s)
		}
	}
	return &media.AudioChunk{
		Format: c.out,
		Frames: frames,
		Data:   data,
		PTS:    chunk.PTS,
	}, nil
}

// Reset drops resampler state so the next chunk starts a fresh stream.
func (c *Converter) Reset() {
	c.rs.Reset()
}
