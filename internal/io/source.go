package io

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/gfx"
)

// Source is a frame source the filter renders from.
type Source interface {
	Width() int
	Height() int
	Render(dst *gfx.Texture) error
	Close() error
}

// Runner is a Source that produces frames on its own goroutine.
type Runner interface {
	Source
	Run(ctx context.Context) error
	Ended() bool
	Stats() SourceStats
}

// OpenOptions selects and configures a source.
type OpenOptions struct {
	// Input is an image file, a video file or URL, or a camera index.
	Input   string
	Capture CaptureOptions
	// Gst takes precedence over Input when Launch is set.
	Gst GstOptions
}

// Open picks the source for opts: a GStreamer pipeline, a still image, or
// an OpenCV capture, in that order.
func Open(opts OpenOptions, logger logrus.FieldLogger) (Source, error) {
	switch {
	case opts.Gst.Launch != "":
		return NewGstSource(opts.Gst, logger)
	case opts.Input == "":
		return nil, errors.New("no input given")
	case isSupportedImageFormat(opts.Input):
		return NewImageSource(opts.Input, logger)
	default:
		return OpenCapture(opts.Input, opts.Capture, logger)
	}
}
