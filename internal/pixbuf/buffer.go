// Package pixbuf holds the pixel buffers that move between the render path
// and the segmentation worker.
package pixbuf

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"
)

// MaxDimension is the hard cap on either side of a buffer.
const MaxDimension = 8192

var ErrBufferAllocationFailed = errors.New("pixbuf: buffer allocation failed")

// Format describes the byte layout of one pixel.
type Format int

const (
	FormatUnknown Format = iota
	BGRA8
	RGBA8
	BGR8
	Gray8
	// A8 is a single alpha channel, used for segmentation masks.
	A8
)

func (f Format) BytesPerPixel() int {
	switch f {
	case BGRA8, RGBA8:
		return 4
	case BGR8:
		return 3
	case Gray8, A8:
		return 1
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case BGRA8:
		return "BGRA8"
	case RGBA8:
		return "RGBA8"
	case BGR8:
		return "BGR8"
	case Gray8:
		return "Gray8"
	case A8:
		return "A8"
	default:
		return "unknown"
	}
}

// Buffer is a reference-counted pixel buffer. A new buffer carries one
// reference; the holder that drops the last reference frees the pixels.
//
// Ownership moves explicitly between stages: whoever receives a buffer
// either releases it or hands it on. Pix panics once the buffer is freed so
// that late readers surface as crashes in tests instead of silent corruption.
type Buffer struct {
	width  int
	height int
	format Format
	stride int
	pix    []byte

	refs     atomic.Int32
	released atomic.Bool
}

// New allocates a zeroed buffer.
func New(width, height int, format Format) (*Buffer, error) {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrBufferAllocationFailed, width, height)
	}
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: unsupported format %s", ErrBufferAllocationFailed, format)
	}

	b := &Buffer{
		width:  width,
		height: height,
		format: format,
		stride: width * bpp,
		pix:    make([]byte, width*height*bpp),
	}
	b.refs.Store(1)
	return b, nil
}

// Wrap builds a buffer around existing pixels without copying. The caller
// gives up ownership of pix.
func Wrap(width, height int, format Format, pix []byte) (*Buffer, error) {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrBufferAllocationFailed, width, height)
	}
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: unsupported format %s", ErrBufferAllocationFailed, format)
	}
	if len(pix) != width*height*bpp {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s", ErrBufferAllocationFailed, len(pix), width, height, format)
	}

	b := &Buffer{
		width:  width,
		height: height,
		format: format,
		stride: width * bpp,
		pix:    pix,
	}
	b.refs.Store(1)
	return b, nil
}

func (b *Buffer) Width() int     { return b.width }
func (b *Buffer) Height() int    { return b.height }
func (b *Buffer) Format() Format { return b.format }
func (b *Buffer) Stride() int    { return b.stride }

func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// Pix returns the backing bytes. The slice must not be kept past Release.
func (b *Buffer) Pix() []byte {
	if b.released.Load() {
		panic(fmt.Sprintf("pixbuf: use after release (%dx%d %s)", b.width, b.height, b.format))
	}
	return b.pix
}

// SameShape reports whether other has identical dimensions and format.
func (b *Buffer) SameShape(other *Buffer) bool {
	if other == nil {
		return false
	}
	return b.width == other.width && b.height == other.height && b.format == other.format
}

// Retain adds a reference and returns b for chaining.
func (b *Buffer) Retain() *Buffer {
	if b.released.Load() {
		panic("pixbuf: retain after release")
	}
	b.refs.Add(1)
	return b
}

// Release drops one reference, freeing the pixels on the last one.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		b.released.Store(true)
		b.pix = nil
	case n < 0:
		panic("pixbuf: double release")
	}
}

func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Clone returns an independent copy with its own single reference.
func (b *Buffer) Clone() *Buffer {
	src := b.Pix()
	c := &Buffer{
		width:  b.width,
		height: b.height,
		format: b.format,
		stride: b.stride,
		pix:    make([]byte, len(src)),
	}
	copy(c.pix, src)
	c.refs.Store(1)
	return c
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%dx%d %s", b.width, b.height, b.format)
}
