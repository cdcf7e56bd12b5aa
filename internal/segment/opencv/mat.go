// Package opencv provides segmentation engines backed by gocv. Importing it
// registers the "dnn" and "mog2" engines.
package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

func init() {
	segment.Register("dnn", NewDNN)
	segment.Register("mog2", NewMOG2)
}

// frameToBGR wraps a BGRA8 frame and converts it to a 3-channel Mat. The
// caller closes the result.
func frameToBGR(frame *pixbuf.Buffer) (gocv.Mat, error) {
	if frame == nil || frame.Format() != pixbuf.BGRA8 {
		return gocv.NewMat(), fmt.Errorf("%w: expected BGRA8 frame", segment.ErrInferenceFailed)
	}

	bgra, err := gocv.NewMatFromBytes(frame.Height(), frame.Width(), gocv.MatTypeCV8UC4, frame.Pix())
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: wrap frame: %v", segment.ErrInferenceFailed, err)
	}
	defer bgra.Close()

	bgr := gocv.NewMat()
	if err := gocv.CvtColor(bgra, &bgr, gocv.ColorBGRAToBGR); err != nil {
		bgr.Close()
		return gocv.NewMat(), fmt.Errorf("%w: color conversion: %v", segment.ErrInferenceFailed, err)
	}
	return bgr, nil
}

// matToMask copies a single-channel 8-bit Mat into a new A8 buffer of the
// given size, resizing when the Mat differs.
func matToMask(m gocv.Mat, width, height int) (*pixbuf.Buffer, error) {
	if m.Empty() || m.Channels() != 1 {
		return nil, fmt.Errorf("%w: mask has %d channels", segment.ErrInferenceFailed, m.Channels())
	}

	src := m
	if m.Cols() != width || m.Rows() != height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(m, &resized, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
		src = resized
	}
	if !src.IsContinuous() {
		cloned := src.Clone()
		defer cloned.Close()
		src = cloned
	}

	mask, err := pixbuf.New(width, height, pixbuf.A8)
	if err != nil {
		return nil, err
	}
	data := src.ToBytes()
	if len(data) != len(mask.Pix()) {
		mask.Release()
		return nil, fmt.Errorf("%w: mask is %d bytes, want %d", segment.ErrInferenceFailed, len(data), width*height)
	}
	copy(mask.Pix(), data)
	return mask, nil
}
