// Package transfer moves pixels between device textures and the CPU buffers
// the segmentation engine reads and writes.
package transfer

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
)

var (
	ErrNoSourceTexture        = errors.New("transfer: no source texture")
	ErrBufferAllocationFailed = pixbuf.ErrBufferAllocationFailed
)

// Transfer owns the shared BGRA8 buffer frames are staged in. It is used from
// the render goroutine only, inside the device context.
type Transfer struct {
	dev    *gfx.Device
	buf    *pixbuf.Buffer
	logger logrus.FieldLogger

	reallocs int
}

func New(dev *gfx.Device, logger logrus.FieldLogger) *Transfer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transfer{
		dev:    dev,
		logger: logger.WithField("component", "transfer"),
	}
}

// Upload copies src into the transfer buffer, converting to BGRA8. The
// returned buffer stays owned by the Transfer and is overwritten by the next
// Upload.
func (t *Transfer) Upload(src *gfx.Texture) (*pixbuf.Buffer, error) {
	if err := t.dev.RequireContext("upload"); err != nil {
		return nil, err
	}
	if src == nil || src.Destroyed() || src.Width() == 0 || src.Height() == 0 {
		return nil, ErrNoSourceTexture
	}
	if err := t.ensure(src.Width(), src.Height()); err != nil {
		return nil, err
	}

	if err := convertToBGRA(t.buf, src.Pix(), src.Stride(), src.Format()); err != nil {
		return nil, err
	}
	return t.buf, nil
}

func (t *Transfer) ensure(width, height int) error {
	if t.buf != nil && t.buf.Width() == width && t.buf.Height() == height {
		return nil
	}
	if t.buf != nil {
		t.buf.Release()
		t.buf = nil
	}

	buf, err := pixbuf.New(width, height, pixbuf.BGRA8)
	if err != nil {
		return fmt.Errorf("transfer buffer %dx%d: %w", width, height, err)
	}
	t.buf = buf
	t.reallocs++
	t.logger.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
	}).Debug("transfer buffer allocated")
	return nil
}

// Buffer returns the current transfer buffer, or nil before the first upload.
func (t *Transfer) Buffer() *pixbuf.Buffer {
	return t.buf
}

// Reallocations counts how many times the transfer buffer was (re)created.
func (t *Transfer) Reallocations() int {
	return t.reallocs
}

// Release frees the transfer buffer.
func (t *Transfer) Release() {
	if t.buf != nil {
		t.buf.Release()
		t.buf = nil
	}
}

func convertToBGRA(dst *pixbuf.Buffer, src []byte, srcStride int, format pixbuf.Format) error {
	out := dst.Pix()
	w, h := dst.Width(), dst.Height()
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("transfer: unsupported source format %s", format)
	}

	for y := 0; y < h; y++ {
		row := src[y*srcStride : y*srcStride+w*bpp]
		drow := out[y*dst.Stride() : (y+1)*dst.Stride()]
		switch format {
		case pixbuf.BGRA8:
			copy(drow, row)
		case pixbuf.RGBA8:
			for x := 0; x < w; x++ {
				s, d := row[x*4:x*4+4], drow[x*4:x*4+4]
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			}
		case pixbuf.BGR8:
			for x := 0; x < w; x++ {
				s, d := row[x*3:x*3+3], drow[x*4:x*4+4]
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 0xff
			}
		case pixbuf.Gray8:
			for x := 0; x < w; x++ {
				v := row[x]
				drow[x*4], drow[x*4+1], drow[x*4+2], drow[x*4+3] = v, v, v, 0xff
			}
		case pixbuf.A8:
			for x := 0; x < w; x++ {
				v := row[x]
				drow[x*4], drow[x*4+1], drow[x*4+2], drow[x*4+3] = v, v, v, v
			}
		}
	}
	return nil
}

// DownloadMask writes an A8 mask into dst, an A8 texture. Masks whose size
// differs from the texture are scaled bilinearly.
func (t *Transfer) DownloadMask(mask *pixbuf.Buffer, dst *gfx.Texture) error {
	if err := t.dev.RequireContext("download mask"); err != nil {
		return err
	}
	if mask == nil || dst == nil || dst.Destroyed() {
		return ErrNoSourceTexture
	}
	if mask.Format() != pixbuf.A8 || dst.Format() != pixbuf.A8 {
		return fmt.Errorf("transfer: mask must be A8, got %s into %s", mask.Format(), dst.Format())
	}

	if mask.Width() == dst.Width() && mask.Height() == dst.Height() {
		return dst.Write(mask)
	}

	src := &image.Alpha{Pix: mask.Pix(), Stride: mask.Stride(), Rect: mask.Bounds()}
	out := &image.Alpha{Pix: dst.Pix(), Stride: dst.Stride(), Rect: image.Rect(0, 0, dst.Width(), dst.Height())}
	draw.BiLinear.Scale(out, out.Rect, src, src.Rect, draw.Src, nil)
	return nil
}
