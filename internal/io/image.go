// Package io provides the frame sources the filter reads from and the sinks
// its output is written to.
package io

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
)

var supportedImageFormats = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp"}

func isSupportedImageFormat(path string) bool {
	return slices.Contains(supportedImageFormats, strings.ToLower(filepath.Ext(path)))
}

// matToBGRA copies a 1, 3 or 4 channel 8-bit Mat into a new BGRA8 buffer.
func matToBGRA(mat gocv.Mat) (*pixbuf.Buffer, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("io: empty image")
	}

	bgra := gocv.NewMat()
	defer bgra.Close()
	switch mat.Channels() {
	case 4:
		mat.CopyTo(&bgra)
	case 3:
		if err := gocv.CvtColor(mat, &bgra, gocv.ColorBGRToBGRA); err != nil {
			return nil, fmt.Errorf("io: convert to BGRA: %w", err)
		}
	case 1:
		if err := gocv.CvtColor(mat, &bgra, gocv.ColorGrayToBGRA); err != nil {
			return nil, fmt.Errorf("io: convert to BGRA: %w", err)
		}
	default:
		return nil, fmt.Errorf("io: unsupported channel count %d", mat.Channels())
	}

	pix := bgra.ToBytes()
	buf, err := pixbuf.New(bgra.Cols(), bgra.Rows(), pixbuf.BGRA8)
	if err != nil {
		return nil, err
	}
	copy(buf.Pix(), pix)
	return buf, nil
}

// ImageSource serves one still image as an endless stream of identical
// frames.
type ImageSource struct {
	frame  *pixbuf.Buffer
	logger logrus.FieldLogger
}

// NewImageSource loads path with OpenCV, keeping an alpha channel if the
// file has one.
func NewImageSource(path string, logger logrus.FieldLogger) (*ImageSource, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{"component": "image_source", "path": path})
	logger.Debug("loading image")

	if !isSupportedImageFormat(path) {
		return nil, fmt.Errorf("unsupported image format: %s", path)
	}
	mat := gocv.IMRead(path, gocv.IMReadUnchanged)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("failed to load image: %s", path)
	}
	if mat.Type()&7 != 0 {
		return nil, fmt.Errorf("unsupported image depth in %s: only 8-bit images are accepted", path)
	}

	frame, err := matToBGRA(mat)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	logger.WithFields(logrus.Fields{
		"width":    frame.Width(),
		"height":   frame.Height(),
		"channels": mat.Channels(),
	}).Info("image loaded")
	return &ImageSource{frame: frame, logger: logger}, nil
}

func (s *ImageSource) Width() int {
	if s.frame == nil {
		return 0
	}
	return s.frame.Width()
}

func (s *ImageSource) Height() int {
	if s.frame == nil {
		return 0
	}
	return s.frame.Height()
}

func (s *ImageSource) Render(dst *gfx.Texture) error {
	if s.frame == nil {
		return ErrNoFrame
	}
	return dst.Write(s.frame)
}

// Frame returns the decoded image. It stays owned by the source.
func (s *ImageSource) Frame() *pixbuf.Buffer {
	return s.frame
}

func (s *ImageSource) Close() error {
	if s.frame != nil {
		s.frame.Release()
		s.frame = nil
	}
	return nil
}
