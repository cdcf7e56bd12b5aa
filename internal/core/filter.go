// Package core ties the render path, the background segmentation worker and
// the filter lifecycle together.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/compositor"
	"background-removal-filter/internal/config"
	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/metrics"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
	"background-removal-filter/internal/transfer"
)

var (
	ErrInvalidDeps = errors.New("core: device, engine and source are required")
	ErrNotActive   = errors.New("core: filter is not active")
)

// State is the filter lifecycle stage.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameSource produces the frames the filter processes. Render is called on
// the render goroutine inside the device context and must fill dst, a BGRA8
// texture of the size last reported by Width and Height.
type FrameSource interface {
	Width() int
	Height() int
	Render(dst *gfx.Texture) error
}

// Deps are the collaborators a Filter is built from. The filter takes
// ownership of Engine and closes it on shutdown.
type Deps struct {
	Device *gfx.Device
	Engine segment.Engine
	Source FrameSource
	Logger logrus.FieldLogger
}

// Stats is a snapshot of the filter counters.
type Stats struct {
	FilterID          string
	State             State
	Frames            uint64
	Composited        uint64
	Passthrough       uint64
	NoSource          uint64
	AllocFailures     uint64
	UploadFailures    uint64
	CompositeFailures uint64
	Resizes           uint64
	Scheduler         SchedulerStats
	Compositor        compositor.Stats
	Masks             metrics.Snapshot
	Stages            map[string]StageStats
}

// Filter is one background-removal instance. OnFrame runs on the host's
// render goroutine; OnSettingsChanged, Stats and State may be called from
// any goroutine.
type Filter struct {
	id     string
	logger logrus.FieldLogger

	dev      *gfx.Device
	engine   segment.Engine
	source   FrameSource
	transfer *transfer.Transfer
	comp     *compositor.Compositor
	masks    *MaskState
	sched    *Scheduler
	tracker  *metrics.Tracker
	timer    *StageTimer

	params   atomic.Pointer[compositor.Params]
	quality  atomic.Int32
	teardown atomic.Int64

	lifecycle  atomic.Int32
	shutdownMu sync.Mutex

	// Render goroutine only, inside the device context.
	target     *gfx.Texture
	generation uint64

	statsMu   sync.Mutex
	compStats compositor.Stats

	frames            atomic.Uint64
	composited        atomic.Uint64
	passthrough       atomic.Uint64
	noSource          atomic.Uint64
	allocFailures     atomic.Uint64
	uploadFailures    atomic.Uint64
	compositeFailures atomic.Uint64
	resizes           atomic.Uint64
}

// New builds an Active filter. It compiles the composite program and starts
// the segmentation worker; either failing is fatal.
func New(deps Deps, settings config.Settings) (*Filter, error) {
	if deps.Device == nil || deps.Engine == nil || deps.Source == nil {
		return nil, ErrInvalidDeps
	}
	settings, err := settings.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	params, err := settings.CompositeParams()
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	quality, err := settings.InferenceQuality()
	if err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := uuid.NewString()
	log := logger.WithFields(logrus.Fields{
		"component": "filter",
		"filter_id": id,
	})

	f := &Filter{
		id:       id,
		logger:   log,
		dev:      deps.Device,
		engine:   deps.Engine,
		source:   deps.Source,
		transfer: transfer.New(deps.Device, log),
		masks:    NewMaskState(),
		tracker:  metrics.NewTracker(metrics.NewEvaluator(), 0),
		timer:    NewStageTimer(log, 300),
	}
	f.params.Store(&params)
	f.quality.Store(int32(quality))
	f.teardown.Store(int64(settings.TeardownTimeout.Duration))

	err = f.dev.Do(func() error {
		comp, err := compositor.New(f.dev, f.transfer, log)
		if err != nil {
			return err
		}
		f.comp = comp
		return nil
	})
	if err != nil {
		log.WithError(err).Error("FILTER: creation failed")
		return nil, fmt.Errorf("failed to create compositor: %w", err)
	}

	f.sched = NewScheduler(f.engine, f.masks, log, SchedulerOptions{
		Tracker:     f.tracker,
		Timer:       f.timer,
		MinInterval: settings.MinDispatchInterval(),
	})
	f.sched.Start()
	f.lifecycle.Store(int32(StateActive))

	log.WithFields(logrus.Fields{
		"engine":    f.engine.Name(),
		"quality":   quality.String(),
		"technique": params.Technique.String(),
		"blend":     params.Blend.String(),
	}).Info("FILTER: created")
	return f, nil
}

func (f *Filter) ID() string { return f.id }

func (f *Filter) State() State {
	return State(f.lifecycle.Load())
}

// OnFrame renders one output frame. The returned buffer belongs to the
// filter and stays valid until the next OnFrame or Shutdown. A nil buffer
// with a nil error means the frame could not be processed and the host
// should emit the source frame unmodified.
func (f *Filter) OnFrame() (*pixbuf.Buffer, error) {
	if f.State() != StateActive {
		return nil, ErrNotActive
	}

	var out *pixbuf.Buffer
	err := f.dev.Do(func() error {
		if f.State() != StateActive {
			return ErrNotActive
		}
		out = f.renderFrame()
		return nil
	})
	return out, err
}

func (f *Filter) renderFrame() *pixbuf.Buffer {
	start := time.Now()
	f.frames.Add(1)

	w, h := f.source.Width(), f.source.Height()
	if w <= 0 || h <= 0 {
		f.noSource.Add(1)
		f.logger.WithError(transfer.ErrNoSourceTexture).Debug("FILTER: source has no size, passing through")
		return nil
	}
	if err := f.ensureTarget(w, h); err != nil {
		f.allocFailures.Add(1)
		f.logger.WithError(err).Warn("FILTER: source target unavailable, passing through")
		return nil
	}
	if err := f.source.Render(f.target); err != nil {
		f.noSource.Add(1)
		f.logger.WithError(err).Debug("FILTER: source render failed, passing through")
		return nil
	}

	snap, _ := f.masks.Read()
	defer snap.Release()
	if f.sched.Ready() && !f.dispatch() {
		snap.Release()
	}

	params := f.params.Load()
	var out *gfx.Texture
	err := f.timer.Time("composite", func() error {
		var err error
		out, err = f.comp.Render(f.target, *params, snap.Mask, snap.Seq)
		return err
	})
	f.statsMu.Lock()
	f.compStats = f.comp.Stats()
	f.statsMu.Unlock()
	if err != nil {
		f.compositeFailures.Add(1)
		f.logger.WithError(err).Warn("FILTER: composite failed, passing through")
		return nil
	}

	if snap.Mask == nil {
		f.passthrough.Add(1)
	} else {
		f.composited.Add(1)
	}
	f.timer.Observe("frame", time.Since(start))
	return out.Buffer()
}

// ensureTarget keeps the source render target at the source size. A size
// change starts a new generation so masks computed for the old size are
// never composited.
func (f *Filter) ensureTarget(w, h int) error {
	if f.target.Matches(w, h, pixbuf.BGRA8) {
		return nil
	}
	if err := f.dev.DestroyTexture(f.target); err != nil {
		return err
	}
	f.target = nil

	tex, err := f.dev.CreateTexture(w, h, pixbuf.BGRA8)
	if err != nil {
		return err
	}
	f.target = tex
	f.generation++
	f.masks.Invalidate(f.generation)
	f.resizes.Add(1)
	f.logger.WithFields(logrus.Fields{
		"width":      w,
		"height":     h,
		"generation": f.generation,
	}).Info("FILTER: source size changed")
	return nil
}

// dispatch stages the current frame and offers it to the scheduler. It
// reports false when staging failed and the frame must pass through.
func (f *Filter) dispatch() bool {
	var frame *pixbuf.Buffer
	err := f.timer.Time("upload", func() error {
		var err error
		frame, err = f.transfer.Upload(f.target)
		return err
	})
	if err != nil {
		f.uploadFailures.Add(1)
		if errors.Is(err, transfer.ErrBufferAllocationFailed) {
			f.allocFailures.Add(1)
		}
		f.logger.WithError(err).Warn("FILTER: frame upload failed, passing through")
		return false
	}

	f.sched.TryDispatch(Job{
		Frame:      frame,
		Generation: f.generation,
		Quality:    segment.Quality(f.quality.Load()),
		TraceID:    uuid.NewString(),
	})
	return true
}

// OnSettingsChanged swaps in a new parameter snapshot. The next frame picks
// it up; an in-flight inference and the current mask are left alone.
func (f *Filter) OnSettingsChanged(settings config.Settings) error {
	if f.State() != StateActive {
		return ErrNotActive
	}
	settings, err := settings.Validate()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	params, err := settings.CompositeParams()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	quality, err := settings.InferenceQuality()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	f.params.Store(&params)
	f.quality.Store(int32(quality))
	f.teardown.Store(int64(settings.TeardownTimeout.Duration))
	f.sched.SetMinInterval(settings.MinDispatchInterval())

	f.logger.WithFields(logrus.Fields{
		"threshold": params.Threshold,
		"quality":   quality.String(),
		"technique": params.Technique.String(),
		"blend":     params.Blend.String(),
		"profile":   params.Profile.String(),
	}).Debug("FILTER: settings updated")
	return nil
}

// Params returns the parameter snapshot the next frame will use.
func (f *Filter) Params() compositor.Params {
	return *f.params.Load()
}

// Shutdown moves the filter to Destroyed. It blocks until the in-flight
// inference finishes, bounded by ctx or, without a ctx deadline, the
// configured teardown timeout. On ErrTeardownTimeout the filter stays
// Draining and keeps every resource the stuck job may touch; Shutdown can
// be retried. Calling it on a destroyed filter is a no-op.
func (f *Filter) Shutdown(ctx context.Context) error {
	f.shutdownMu.Lock()
	defer f.shutdownMu.Unlock()

	switch f.State() {
	case StateDestroyed:
		return nil
	case StateUninitialized:
		f.lifecycle.Store(int32(StateDestroyed))
		return nil
	}
	f.lifecycle.Store(int32(StateDraining))
	f.logger.Info("FILTER: draining")

	if _, ok := ctx.Deadline(); !ok {
		if d := time.Duration(f.teardown.Load()); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	start := time.Now()
	if err := f.sched.Drain(ctx); err != nil {
		f.logger.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Error("FILTER: shutdown aborted")
		return err
	}

	var errs []error
	err := f.dev.Do(func() error {
		f.transfer.Release()
		var released []error
		released = append(released, f.comp.ReleaseTextures())
		released = append(released, f.dev.DestroyTexture(f.target))
		f.target = nil
		f.masks.Reset()
		released = append(released, f.comp.ReleaseProgram())
		return errors.Join(released...)
	})
	errs = append(errs, err)
	errs = append(errs, f.sched.Stop(ctx))
	if err := f.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s engine: %w", f.engine.Name(), err))
	}
	f.tracker.Reset()

	f.lifecycle.Store(int32(StateDestroyed))
	f.logger.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"frames":      f.frames.Load(),
	}).Info("FILTER: destroyed")
	return errors.Join(errs...)
}

// Stats returns a snapshot of the filter counters.
func (f *Filter) Stats() Stats {
	st := Stats{
		FilterID:          f.id,
		State:             f.State(),
		Frames:            f.frames.Load(),
		Composited:        f.composited.Load(),
		Passthrough:       f.passthrough.Load(),
		NoSource:          f.noSource.Load(),
		AllocFailures:     f.allocFailures.Load(),
		UploadFailures:    f.uploadFailures.Load(),
		CompositeFailures: f.compositeFailures.Load(),
		Resizes:           f.resizes.Load(),
		Scheduler:         f.sched.Stats(),
		Masks:             f.tracker.Snapshot(),
		Stages:            make(map[string]StageStats),
	}
	f.statsMu.Lock()
	st.Compositor = f.compStats
	f.statsMu.Unlock()
	for _, name := range f.timer.Stages() {
		st.Stages[name] = f.timer.Stage(name)
	}
	return st
}
