package io

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"background-removal-filter/internal/pixbuf"
)

// PNGSink writes output frames to disk with their alpha channel. The
// pattern may contain one %d verb for the frame number; without it every
// frame overwrites the same file.
type PNGSink struct {
	pattern string
	every   int
	written int
	seen    int
	logger  logrus.FieldLogger
}

// NewPNGSink writes every n-th frame (n < 1 means every frame).
func NewPNGSink(pattern string, every int, logger logrus.FieldLogger) (*PNGSink, error) {
	if strings.ToLower(filepath.Ext(pattern)) != ".png" {
		return nil, fmt.Errorf("unsupported output format: %s (want .png)", pattern)
	}
	if dir := filepath.Dir(pattern); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if every < 1 {
		every = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PNGSink{
		pattern: pattern,
		every:   every,
		logger:  logger.WithField("component", "png_sink"),
	}, nil
}

// Path returns the file frame n is written to.
func (s *PNGSink) Path(n int) string {
	if strings.Contains(s.pattern, "%") {
		return fmt.Sprintf(s.pattern, n)
	}
	return s.pattern
}

// Write saves frame, a BGRA8 or A8 buffer. Skipped frames return nil.
func (s *PNGSink) Write(frame *pixbuf.Buffer) error {
	if frame == nil {
		return fmt.Errorf("cannot save empty image")
	}
	s.seen++
	if (s.seen-1)%s.every != 0 {
		return nil
	}

	matType := gocv.MatTypeCV8UC4
	switch frame.Format() {
	case pixbuf.BGRA8:
	case pixbuf.A8, pixbuf.Gray8:
		matType = gocv.MatTypeCV8UC1
	default:
		return fmt.Errorf("unsupported frame format %s", frame.Format())
	}

	mat, err := gocv.NewMatFromBytes(frame.Height(), frame.Width(), matType, frame.Pix())
	if err != nil {
		return fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer mat.Close()

	path := s.Path(s.written)
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("failed to save image: %s", path)
	}
	s.written++
	s.logger.WithFields(logrus.Fields{
		"path":   path,
		"width":  frame.Width(),
		"height": frame.Height(),
	}).Debug("frame saved")
	return nil
}

// Written counts saved files.
func (s *PNGSink) Written() int {
	return s.written
}
