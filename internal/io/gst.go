package io

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"background-removal-filter/internal/gfx"
)

const gstSinkName = "filtersink"

var gstInit sync.Once

// GstOptions configures a GstSource.
type GstOptions struct {
	// Launch is a gst-launch description producing raw video, for example
	// "videotestsrc is-live=true" or "v4l2src device=/dev/video0".
	Launch string
	Width  int
	Height int
}

// GstSource runs a GStreamer pipeline that ends in an appsink negotiated to
// BGRA at a fixed size. Samples land in a latest-frame mailbox.
type GstSource struct {
	opts     GstOptions
	pipeline *gst.Pipeline
	sink     *app.Sink
	logger   logrus.FieldLogger

	box   frameMailbox
	ended atomic.Bool
}

// GstLaunchString is the full pipeline description built from opts.
func GstLaunchString(opts GstOptions) string {
	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! video/x-raw,format=BGRA,width=%d,height=%d ! appsink name=%s sync=false max-buffers=1 drop=true",
		opts.Launch, opts.Width, opts.Height, gstSinkName,
	)
}

func NewGstSource(opts GstOptions, logger logrus.FieldLogger) (*GstSource, error) {
	if opts.Launch == "" {
		return nil, fmt.Errorf("gstreamer source needs a launch description")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("gstreamer source needs a frame size, got %dx%d", opts.Width, opts.Height)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "gst_source")

	gstInit.Do(func() { gst.Init(nil) })

	launch := GstLaunchString(opts)
	logger.WithField("pipeline", launch).Debug("creating pipeline")
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName(gstSinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to find appsink: %w", err)
	}

	s := &GstSource{
		opts:     opts,
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		logger:   logger,
	}
	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	return s, nil
}

func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		s.logger.Warn("failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.logger.Warn("sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := mapInfo.Bytes()
	if len(data) == 0 {
		s.box.dropped.Add(1)
		return gst.FlowOK
	}

	if err := s.box.put(data, s.opts.Width, s.opts.Height, s.opts.Width*4); err != nil {
		s.box.dropped.Add(1)
		s.logger.WithError(err).Debug("dropping frame")
	}
	return gst.FlowOK
}

// Run plays the pipeline until ctx ends, end of stream, or a pipeline error.
// End of stream returns nil.
func (s *GstSource) Run(ctx context.Context) error {
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer s.pipeline.SetState(gst.StateNull)
	s.logger.Info("pipeline playing")

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.ended.Store(true)
			s.logger.WithField("frames", s.box.stats().Received).Info("end of stream")
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.WithFields(logrus.Fields{
				"error": gerr.Error(),
				"debug": gerr.DebugString(),
			}).Error("pipeline error")
			return fmt.Errorf("gstreamer pipeline error: %s", gerr.Error())
		}
	}
}

func (s *GstSource) Width() int {
	w, _ := s.box.dims()
	return w
}

func (s *GstSource) Height() int {
	_, h := s.box.dims()
	return h
}

func (s *GstSource) Render(dst *gfx.Texture) error {
	return s.box.render(dst)
}

func (s *GstSource) Ended() bool {
	return s.ended.Load()
}

func (s *GstSource) Stats() SourceStats {
	return s.box.stats()
}

// Close stops the pipeline and drops the last frame. Run must have returned.
func (s *GstSource) Close() error {
	s.pipeline.SetState(gst.StateNull)
	s.box.close()
	return nil
}
