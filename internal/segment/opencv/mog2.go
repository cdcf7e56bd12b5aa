package opencv

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

// shadowCutoff separates foreground (255) from the shadow label (127) MOG2
// writes into its mask.
const shadowCutoff = 200

// MOG2 segments moving subjects with a learned background model. It needs
// no model file, which makes it the fallback engine.
type MOG2 struct {
	mu      sync.Mutex
	sub     gocv.BackgroundSubtractorMOG2
	delta   gocv.Mat
	binary  gocv.Mat
	working image.Point
	closed  bool
	logger  logrus.FieldLogger
}

func NewMOG2(opts segment.Options) (segment.Engine, error) {
	return &MOG2{
		sub:    gocv.NewBackgroundSubtractorMOG2(),
		delta:  gocv.NewMat(),
		binary: gocv.NewMat(),
		logger: opts.Logger.WithField("engine", "mog2"),
	}, nil
}

func (m *MOG2) Name() string { return "mog2" }

func (m *MOG2) Segment(ctx context.Context, req segment.Request) (*pixbuf.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: engine closed", segment.ErrInferenceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	bgr, err := frameToBGR(req.Frame)
	if err != nil {
		return nil, err
	}
	defer bgr.Close()

	// The background model is tied to one working size; a change restarts it.
	working := workingSize(req.Frame.Width(), req.Frame.Height(), req.Quality.InputSize()*2)
	if working != m.working {
		if m.working != (image.Point{}) {
			m.sub.Close()
			m.sub = gocv.NewBackgroundSubtractorMOG2()
		}
		m.working = working
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(bgr, &small, working, 0, 0, gocv.InterpolationArea)

	if err := m.sub.Apply(small, &m.delta); err != nil {
		return nil, fmt.Errorf("%w: background subtraction: %v", segment.ErrInferenceFailed, err)
	}
	gocv.Threshold(m.delta, &m.binary, shadowCutoff, 255, gocv.ThresholdBinary)

	raw := m.binary.Clone()
	defer func() { raw.Close() }()
	if err := refine(&raw, req.Quality); err != nil {
		return nil, fmt.Errorf("%w: refine: %v", segment.ErrInferenceFailed, err)
	}

	mask, err := matToMask(raw, req.Frame.Width(), req.Frame.Height())
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"trace_id":    req.TraceID,
		"working":     working.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("background subtraction")
	return mask, nil
}

// workingSize scales w×h so that its longer side is at most limit.
func workingSize(w, h, limit int) image.Point {
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= limit {
		return image.Point{X: w, Y: h}
	}
	scale := float64(limit) / float64(longer)
	sw, sh := int(math.Round(float64(w)*scale)), int(math.Round(float64(h)*scale))
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return image.Point{X: sw, Y: sh}
}

func (m *MOG2) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.delta.Close()
	m.binary.Close()
	return m.sub.Close()
}
