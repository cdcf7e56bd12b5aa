package pixbuf

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// ToImage copies the buffer into a standard library image. Colour formats
// become *image.NRGBA (straight alpha), Gray8 becomes *image.Gray and A8
// becomes *image.Alpha.
func (b *Buffer) ToImage() image.Image {
	src := b.Pix()
	rect := b.Bounds()

	switch b.format {
	case A8:
		img := image.NewAlpha(rect)
		copy(img.Pix, src)
		return img
	case Gray8:
		img := image.NewGray(rect)
		copy(img.Pix, src)
		return img
	}

	img := image.NewNRGBA(rect)
	n := b.width * b.height
	for i := 0; i < n; i++ {
		d := img.Pix[i*4 : i*4+4]
		switch b.format {
		case BGRA8:
			s := src[i*4 : i*4+4]
			d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
		case RGBA8:
			copy(d, src[i*4:i*4+4])
		case BGR8:
			s := src[i*3 : i*3+3]
			d[0], d[1], d[2], d[3] = s[2], s[1], s[0], 0xff
		}
	}
	return img
}

// FromImage converts any image into a new BGRA8 buffer.
func FromImage(img image.Image) (*Buffer, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrBufferAllocationFailed)
	}
	bounds := img.Bounds()

	nrgba, ok := img.(*image.NRGBA)
	if !ok || bounds.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	}

	b, err := New(bounds.Dx(), bounds.Dy(), BGRA8)
	if err != nil {
		return nil, err
	}
	dst := b.Pix()
	for y := 0; y < b.height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+b.width*4]
		out := dst[y*b.stride : (y+1)*b.stride]
		for x := 0; x < b.width; x++ {
			s := row[x*4 : x*4+4]
			d := out[x*4 : x*4+4]
			d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
		}
	}
	return b, nil
}

// Fill sets every pixel of a BGRA8 buffer to c.
func (b *Buffer) Fill(c color.NRGBA) {
	pix := b.Pix()
	switch b.format {
	case BGRA8:
		for i := 0; i < len(pix); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.B, c.G, c.R, c.A
		}
	case RGBA8:
		for i := 0; i < len(pix); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
		}
	case A8, Gray8:
		for i := range pix {
			pix[i] = c.A
		}
	case BGR8:
		for i := 0; i < len(pix); i += 3 {
			pix[i], pix[i+1], pix[i+2] = c.B, c.G, c.R
		}
	}
}

// Checkerboard builds a synthetic BGRA8 frame whose cells alternate between
// two distinct opaque colours. Each pixel also encodes its coordinates in the
// green channel so misplaced rows show up in byte comparisons.
func Checkerboard(width, height, cell int) (*Buffer, error) {
	if cell <= 0 {
		cell = 1
	}
	b, err := New(width, height, BGRA8)
	if err != nil {
		return nil, err
	}
	pix := b.Pix()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			o := y*b.stride + x*4
			if ((x/cell)+(y/cell))%2 == 0 {
				pix[o], pix[o+2] = 0x20, 0xe0
			} else {
				pix[o], pix[o+2] = 0xe0, 0x20
			}
			pix[o+1] = byte(x ^ y)
			pix[o+3] = 0xff
		}
	}
	return b, nil
}
