package media

import (
	"fmt"
	"time"
)

// PixelFormat names the byte layout of a video frame.
type PixelFormat string

const (
	// PixelFormatBGRA is the unified capture pixel format across all platforms.
	PixelFormatBGRA PixelFormat = "BGRA"
	PixelFormatRGBA PixelFormat = "RGBA"
)

// BytesPerPixel returns the packed pixel size, or 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGRA, PixelFormatRGBA:
		return 4
	default:
		return 0
	}
}

// VideoFrame is one captured image. Data may be owned by the producer; any
// consumer that transforms or retains it must copy it first.
type VideoFrame struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte
	PTS    time.Duration

	release func()
}

// NewPooledVideoFrame builds a frame whose buffer is returned to its pool by
// release once the consumer calls Release.
func NewPooledVideoFrame(width, height int, format PixelFormat, data []byte, pts time.Duration, release func()) *VideoFrame {
	return &VideoFrame{
		Width:   width,
		Height:  height,
		Stride:  width * format.BytesPerPixel(),
		Format:  format,
		Data:    data,
		PTS:     pts,
		release: release,
	}
}

// Size returns the number of tightly packed bytes of the image.
func (f *VideoFrame) Size() int {
	return f.Width * f.Height * f.Format.BytesPerPixel()
}

// Validate checks dimensions and payload length.
func (f *VideoFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil video frame")
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unsupported pixel format %q", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * bpp
	}
	if stride < f.Width*bpp {
		return fmt.Errorf("stride %d shorter than row of %d bytes", stride, f.Width*bpp)
	}
	if len(f.Data) < stride*(f.Height-1)+f.Width*bpp {
		return fmt.Errorf("frame payload %d bytes too short for %dx%d stride %d", len(f.Data), f.Width, f.Height, stride)
	}
	return nil
}

// CopyPacked writes the image into dst without row padding and returns the
// number of bytes written. dst must hold at least Size bytes.
func (f *VideoFrame) CopyPacked(dst []byte) int {
	row := f.Width * f.Format.BytesPerPixel()
	stride := f.Stride
	if stride == 0 || stride == row {
		return copy(dst, f.Data[:row*f.Height])
	}
	n := 0
	for y := 0; y < f.Height; y++ {
		n += copy(dst[n:n+row], f.Data[y*stride:y*stride+row])
	}
	return n
}

// Release hands a pooled buffer back. Safe on nil frames and repeated calls.
func (f *VideoFrame) Release() {
	if f == nil || f.release == nil {
		return
	}
	r := f.release
	f.release = nil
	f.Data = nil
	r()
}
