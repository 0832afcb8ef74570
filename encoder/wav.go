package encoder

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	audiopcm "go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/media"
)

const sidecarBitDepth = 16

// wavSidecar writes the mixed audio track as 16-bit PCM next to the video.
type wavSidecar struct {
	tmp   string
	final string

	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples []float32
	frames  int64
}

func newWAVSidecar(tmp, final string, format media.AudioFormat) (*wavSidecar, error) {
	if format.Sample != media.SampleFloat32 || format.Planes() != 1 {
		return nil, fmt.Errorf("%w: wav sidecar needs interleaved f32 input, got %s", ErrConfiguration, format)
	}
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fileSystemError(tmp, err)
	}
	return &wavSidecar{
		tmp:   tmp,
		final: final,
		file:  f,
		enc:   wav.NewEncoder(f, int(format.SampleRate), sidecarBitDepth, format.Channels, 1),
		buf: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: format.Channels,
				SampleRate:  int(format.SampleRate),
			},
			SourceBitDepth: sidecarBitDepth,
		},
	}, nil
}

func (s *wavSidecar) Write(chunk *media.AudioChunk) error {
	s.samples = audiopcm.DecodeFloat32(s.samples[:0], chunk.Data[0])
	if cap(s.buf.Data) < len(s.samples) {
		s.buf.Data = make([]int, len(s.samples))
	}
	s.buf.Data = s.buf.Data[:len(s.samples)]
	for i, v := range s.samples {
		s.buf.Data[i] = int(audiopcm.FloatToInt16(v))
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("wav sidecar write: %w", err)
	}
	s.frames += int64(chunk.Frames)
	return nil
}

// Close finalizes the WAV header and closes the file.
func (s *wavSidecar) Close() error {
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.enc.Close(), s.file.Close())
	s.file = nil
	return err
}

// Commit closes the sidecar and moves it to its final path.
func (s *wavSidecar) Commit() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("wav sidecar close: %w", err)
	}
	if err := renameFile(s.tmp, s.final); err != nil {
		return fileSystemError(s.final, err)
	}
	return nil
}
