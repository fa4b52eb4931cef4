/*Package camera describes the capture port used by the autofocus engine and
the frame type cameras hand to it.

A Frame is owned by whoever holds it last; the autofocus controllers score a
frame and Release it before the next probe, so a camera may recycle the
buffer once Release has been called.
*/
package camera

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmptyFrame is generated when a camera produced a frame with no usable pixels
	ErrEmptyFrame = errors.New("camera returned an empty frame")
)

// Capturer describes a camera that can acquire a single frame on demand.
// A failed or empty capture is reported as an error or a nil/empty frame and
// is expected to be transient.
type Capturer interface {
	// Capture triggers acquisition of one frame
	Capture(context.Context) (*Frame, error)
}

// Frame is a strided, row-major, channel-interleaved image buffer.
// Pixel values are stored as uint16 regardless of the sensor bit depth.
type Frame struct {
	// Width is the width in pixels
	Width int

	// Height is the height in pixels
	Height int

	// Channels is the number of interleaved channels, 1 for monochrome
	Channels int

	// BitDepth is the number of significant bits per sample, e.g. 8, 12, 16
	BitDepth int

	// Pix holds Width*Height*Channels samples
	Pix []uint16

	once    sync.Once
	release func([]uint16)
}

// NewFrame returns a frame around pix.  release, if not nil, is called once
// with pix when the frame is released.
func NewFrame(width, height, channels, bitDepth int, pix []uint16, release func([]uint16)) *Frame {
	if channels < 1 {
		channels = 1
	}
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		BitDepth: bitDepth,
		Pix:      pix,
		release:  release}
}

// Empty returns true if the frame is nil or does not contain a full image
func (f *Frame) Empty() bool {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return true
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return len(f.Pix) < f.Width*f.Height*ch
}

// Release hands the buffer back to its owner.  It is safe to call on a nil
// frame and more than once; the frame must not be used afterwards.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release(f.Pix)
		}
		f.Pix = nil
	})
}

// Luminance returns the frame reduced to one float64 sample per pixel,
// averaging the channels of color frames.
func (f *Frame) Luminance() []float64 {
	n := f.Width * f.Height
	out := make([]float64, n)
	ch := f.Channels
	if ch <= 1 {
		for i := 0; i < n; i++ {
			out[i] = float64(f.Pix[i])
		}
		return out
	}
	inv := 1 / float64(ch)
	for i := 0; i < n; i++ {
		var acc float64
		base := i * ch
		for c := 0; c < ch; c++ {
			acc += float64(f.Pix[base+c])
		}
		out[i] = acc * inv
	}
	return out
}

// ScaleTo8 returns the luminance of the frame scaled to 8 bits for display
func (f *Frame) ScaleTo8() []byte {
	lum := f.Luminance()
	shift := uint(0)
	if f.BitDepth > 8 {
		shift = uint(f.BitDepth - 8)
	}
	buf := make([]byte, len(lum))
	for i, v := range lum {
		buf[i] = byte(uint16(v) >> shift)
	}
	return buf
}
