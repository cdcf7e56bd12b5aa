package gfx

import (
	"fmt"
	"sync/atomic"

	"background-removal-filter/internal/pixbuf"
)

// Texture is a device-owned image. Its pixels are only touched inside the
// graphics context.
type Texture struct {
	id        uint64
	dev       *Device
	buf       *pixbuf.Buffer
	destroyed atomic.Bool
}

func (t *Texture) ID() uint64            { return t.id }
func (t *Texture) Width() int            { return t.buf.Width() }
func (t *Texture) Height() int           { return t.buf.Height() }
func (t *Texture) Format() pixbuf.Format { return t.buf.Format() }
func (t *Texture) Destroyed() bool       { return t.destroyed.Load() }

// Pix returns the texture memory. It panics on a destroyed texture.
func (t *Texture) Pix() []byte {
	if t.destroyed.Load() {
		panic(fmt.Sprintf("gfx: use of destroyed texture %d", t.id))
	}
	return t.buf.Pix()
}

// Stride is the number of bytes per row.
func (t *Texture) Stride() int { return t.buf.Stride() }

// Matches reports whether the texture has the given shape.
func (t *Texture) Matches(width, height int, format pixbuf.Format) bool {
	return t != nil && !t.Destroyed() &&
		t.buf.Width() == width && t.buf.Height() == height && t.buf.Format() == format
}

// Write copies a same-shaped buffer into the texture.
func (t *Texture) Write(src *pixbuf.Buffer) error {
	if err := t.dev.requireContext("texture write"); err != nil {
		return err
	}
	if t.destroyed.Load() {
		return fmt.Errorf("%w: texture %d", ErrDestroyed, t.id)
	}
	if !t.buf.SameShape(src) {
		return fmt.Errorf("gfx: texture %d is %s, source is %s", t.id, t.buf, src)
	}
	copy(t.buf.Pix(), src.Pix())
	return nil
}

// Snapshot copies the texture into a new buffer owned by the caller.
func (t *Texture) Snapshot() (*pixbuf.Buffer, error) {
	if err := t.dev.requireContext("texture read"); err != nil {
		return nil, err
	}
	if t.destroyed.Load() {
		return nil, fmt.Errorf("%w: texture %d", ErrDestroyed, t.id)
	}
	return t.buf.Clone(), nil
}

// Buffer exposes the texture memory as a pixel buffer without copying. The
// buffer stays owned by the texture.
func (t *Texture) Buffer() *pixbuf.Buffer {
	return t.buf
}
