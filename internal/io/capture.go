package io

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"background-removal-filter/internal/gfx"
)

// CaptureOptions tunes a CaptureSource.
type CaptureOptions struct {
	// Loop rewinds a video file at its end instead of stopping.
	Loop bool
	// Pace throttles file playback to the file's frame rate. Devices are
	// never paced.
	Pace bool
}

// CaptureSource reads a camera or video file through OpenCV on its own
// goroutine. The render goroutine always sees the newest frame.
type CaptureSource struct {
	capture *gocv.VideoCapture
	device  string
	opts    CaptureOptions
	fps     float64
	logger  logrus.FieldLogger

	box     frameMailbox
	ended   atomic.Bool
	running atomic.Bool
}

// OpenCapture opens device, either a camera index ("0") or a file path or
// URL OpenCV can read.
func OpenCapture(device string, opts CaptureOptions, logger logrus.FieldLogger) (*CaptureSource, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{"component": "capture_source", "device": device})

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("failed to open capture %s", device)
	}

	s := &CaptureSource{
		capture: capture,
		device:  device,
		opts:    opts,
		fps:     capture.Get(gocv.VideoCaptureFPS),
		logger:  logger,
	}
	logger.WithFields(logrus.Fields{
		"width":  int(capture.Get(gocv.VideoCaptureFrameWidth)),
		"height": int(capture.Get(gocv.VideoCaptureFrameHeight)),
		"fps":    s.fps,
	}).Info("capture opened")
	return s, nil
}

// Run reads frames until ctx ends or the input is exhausted. It returns nil
// in both cases.
func (s *CaptureSource) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("capture %s is already running", s.device)
	}
	defer s.running.Store(false)

	frame := gocv.NewMat()
	defer frame.Close()
	bgra := gocv.NewMat()
	defer bgra.Close()

	var interval time.Duration
	if s.opts.Pace && s.fps > 0 {
		interval = time.Duration(float64(time.Second) / s.fps)
	}
	misses := 0
	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !s.capture.Read(&frame) || frame.Empty() {
			misses++
			if s.opts.Loop && misses < 3 {
				s.capture.Set(gocv.VideoCapturePosFrames, 0)
				continue
			}
			s.ended.Store(true)
			s.logger.WithField("frames", s.box.stats().Received).Info("capture ended")
			return nil
		}
		misses = 0

		if err := s.store(frame, &bgra); err != nil {
			s.box.dropped.Add(1)
			s.logger.WithError(err).Warn("dropping unreadable frame")
			continue
		}

		if interval > 0 {
			next = next.Add(interval)
			wait := time.Until(next)
			if wait < 0 {
				next = time.Now()
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}
}

func (s *CaptureSource) store(frame gocv.Mat, bgra *gocv.Mat) error {
	var err error
	switch frame.Channels() {
	case 4:
		frame.CopyTo(bgra)
	case 3:
		err = gocv.CvtColor(frame, bgra, gocv.ColorBGRToBGRA)
	case 1:
		err = gocv.CvtColor(frame, bgra, gocv.ColorGrayToBGRA)
	default:
		err = fmt.Errorf("unsupported channel count %d", frame.Channels())
	}
	if err != nil {
		return err
	}
	return s.box.put(bgra.ToBytes(), bgra.Cols(), bgra.Rows(), bgra.Cols()*4)
}

func (s *CaptureSource) Width() int {
	w, _ := s.box.dims()
	return w
}

func (s *CaptureSource) Height() int {
	_, h := s.box.dims()
	return h
}

func (s *CaptureSource) Render(dst *gfx.Texture) error {
	return s.box.render(dst)
}

// Ended reports whether the input ran out of frames.
func (s *CaptureSource) Ended() bool {
	return s.ended.Load()
}

func (s *CaptureSource) Stats() SourceStats {
	return s.box.stats()
}

// Close releases the capture device. Run must have returned.
func (s *CaptureSource) Close() error {
	s.box.close()
	return s.capture.Close()
}
