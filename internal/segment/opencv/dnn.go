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

// personClass is the person label of the 21-class VOC segmentation models.
const personClass = 15

// DNN runs a person-segmentation network through the OpenCV dnn module.
// The network output is either a single probability plane or one plane per
// class; for multi-class outputs the person plane is softmaxed against the
// rest.
type DNN struct {
	mu     sync.Mutex
	net    gocv.Net
	closed bool
	logger logrus.FieldLogger
}

// NewDNN loads the model named by opts.ModelPath (and opts.ConfigPath for
// formats that need one).
func NewDNN(opts segment.Options) (segment.Engine, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: dnn engine needs a model path", segment.ErrInferenceUnavailable)
	}

	net := gocv.ReadNet(opts.ModelPath, opts.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("%w: could not load model %s", segment.ErrInferenceUnavailable, opts.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger := opts.Logger.WithField("engine", "dnn")
	logger.WithField("model", opts.ModelPath).Info("segmentation model loaded")

	return &DNN{net: net, logger: logger}, nil
}

func (d *DNN) Name() string { return "dnn" }

// Segment runs one forward pass. The net is not re-entrant so calls are
// serialised.
func (d *DNN) Segment(ctx context.Context, req segment.Request) (*pixbuf.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
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

	side := req.Quality.InputSize()
	blob := gocv.BlobFromImage(bgr, 1.0/255.0, image.Point{X: side, Y: side}, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	probs, w, h, err := foregroundPlane(out)
	if err != nil {
		return nil, err
	}

	raw, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, probs)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap output: %v", segment.ErrInferenceFailed, err)
	}
	defer func() { raw.Close() }()

	if err := refine(&raw, req.Quality); err != nil {
		return nil, fmt.Errorf("%w: refine: %v", segment.ErrInferenceFailed, err)
	}

	mask, err := matToMask(raw, req.Frame.Width(), req.Frame.Height())
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"trace_id":    req.TraceID,
		"quality":     req.Quality.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("dnn forward pass")
	return mask, nil
}

// foregroundPlane converts an NCHW float output into 8-bit foreground
// probabilities.
func foregroundPlane(out gocv.Mat) ([]byte, int, int, error) {
	dims := out.Size()
	if len(dims) != 4 || dims[0] != 1 {
		return nil, 0, 0, fmt.Errorf("%w: unexpected output shape %v", segment.ErrInferenceFailed, dims)
	}
	classes, h, w := dims[1], dims[2], dims[3]
	if classes < 1 || h < 1 || w < 1 {
		return nil, 0, 0, fmt.Errorf("%w: unexpected output shape %v", segment.ErrInferenceFailed, dims)
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: read output: %v", segment.ErrInferenceFailed, err)
	}
	plane := h * w
	if len(data) < classes*plane {
		return nil, 0, 0, fmt.Errorf("%w: output has %d values, want %d", segment.ErrInferenceFailed, len(data), classes*plane)
	}

	fg := 0
	switch {
	case classes == 1:
	case classes > personClass:
		fg = personClass
	default:
		fg = 1
	}

	probs := make([]byte, plane)
	for i := 0; i < plane; i++ {
		var p float64
		if classes == 1 {
			p = float64(data[i])
			if p < 0 || p > 1 {
				p = 1 / (1 + math.Exp(-p))
			}
		} else {
			maxLogit := math.Inf(-1)
			for c := 0; c < classes; c++ {
				maxLogit = math.Max(maxLogit, float64(data[c*plane+i]))
			}
			var sum float64
			for c := 0; c < classes; c++ {
				sum += math.Exp(float64(data[c*plane+i]) - maxLogit)
			}
			p = math.Exp(float64(data[fg*plane+i])-maxLogit) / sum
		}
		probs[i] = byte(math.Round(p * 255))
	}
	return probs, w, h, nil
}

// Close releases the network. It is safe to call more than once.
func (d *DNN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}
