package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-removal-filter/internal/config"
	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

type filterFixture struct {
	dev    *gfx.Device
	engine *fakeEngine
	source *fakeSource
	filter *Filter
}

func newFilterFixture(t *testing.T, engine *fakeEngine, settings config.Settings) *filterFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fx := &filterFixture{
		dev:    gfx.NewDevice(logger),
		engine: engine,
		source: newFakeSource(8, 6),
	}
	f, err := New(Deps{
		Device: fx.dev,
		Engine: engine,
		Source: fx.source,
		Logger: logger,
	}, settings)
	require.NoError(t, err)
	fx.filter = f

	t.Cleanup(func() {
		engine.open()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return fx
}

func (fx *filterFixture) frame(t *testing.T) *pixbuf.Buffer {
	t.Helper()
	out, err := fx.filter.OnFrame()
	require.NoError(t, err)
	return out
}

func (fx *filterFixture) waitPublished(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.filter.Stats().Scheduler.Published >= n
	}, 2*time.Second, time.Millisecond)
}

func alphaValues(b *pixbuf.Buffer) []byte {
	pix := b.Pix()
	out := make([]byte, 0, len(pix)/4)
	for i := 3; i < len(pix); i += 4 {
		out = append(out, pix[i])
	}
	return out
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Deps{Device: gfx.NewDevice(nil)}, config.Defaults())
	assert.ErrorIs(t, err, ErrInvalidDeps)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := config.Defaults()
	s.BlendMode = "dissolve"
	_, err := New(Deps{
		Device: gfx.NewDevice(nil),
		Engine: newFakeEngine(0),
		Source: newFakeSource(2, 2),
	}, s)
	assert.Error(t, err)
}

func TestFilterStartsActive(t *testing.T) {
	fx := newFilterFixture(t, newFakeEngine(255), config.Defaults())
	assert.Equal(t, StateActive, fx.filter.State())
	assert.NotEmpty(t, fx.filter.ID())
	assert.Equal(t, int64(1), fx.dev.Stats().LivePrograms())
}

func TestFilterPassThroughBeforeFirstMask(t *testing.T) {
	fx := newFilterFixture(t, stalledEngine(0), config.Defaults())

	for i := 0; i < 3; i++ {
		out := fx.frame(t)
		require.NotNil(t, out)
		assert.Equal(t, fx.source.expected(t), out.Pix())
	}
	st := fx.filter.Stats()
	assert.Equal(t, uint64(3), st.Passthrough)
	assert.Equal(t, uint64(0), st.Composited)
}

func TestFilterCompositesPublishedMask(t *testing.T) {
	fx := newFilterFixture(t, newFakeEngine(0), config.Defaults())

	fx.frame(t)
	fx.waitPublished(t, 1)

	out := fx.frame(t)
	require.NotNil(t, out)
	for i, a := range alphaValues(out) {
		require.Equal(t, byte(0), a, "pixel %d is background", i)
	}

	st := fx.filter.Stats()
	assert.Equal(t, uint64(1), st.Composited)
	assert.Equal(t, uint64(1), st.Passthrough)
	assert.Equal(t, uint64(1), st.Compositor.MaskUploads)
	assert.GreaterOrEqual(t, st.Masks.Observed, uint64(1))
	assert.Contains(t, st.Stages, "composite")
	assert.Contains(t, st.Stages, "upload")
}

func TestFilterDispatchesOnceWhileInferenceStalls(t *testing.T) {
	engine := stalledEngine(255)
	fx := newFilterFixture(t, engine, config.Defaults())

	for i := 0; i < 100; i++ {
		out := fx.frame(t)
		require.NotNil(t, out)
	}
	<-engine.started

	st := fx.filter.Stats()
	assert.Equal(t, uint64(1), st.Scheduler.Dispatched)
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Equal(t, uint64(100), st.Passthrough)
	assert.Equal(t, uint64(1), st.Stages["upload"].Count, "frames are not staged while busy")

	engine.open()
	fx.waitPublished(t, 1)
	assert.Equal(t, int32(1), engine.maxConcurrent.Load())
}

func TestFilterSettingsChangeIsIdempotent(t *testing.T) {
	fx := newFilterFixture(t, newFakeEngine(180), config.Defaults())
	fx.frame(t)
	fx.waitPublished(t, 1)

	s := config.Defaults()
	s.BlendMode = "screen"
	s.ShaderQualityMode = "quality"
	require.NoError(t, fx.filter.OnSettingsChanged(s))
	first := append([]byte(nil), fx.frame(t).Pix()...)
	updates := fx.filter.Stats().Compositor.ParamUpdates

	require.NoError(t, fx.filter.OnSettingsChanged(s))
	second := fx.frame(t).Pix()

	assert.Equal(t, first, second)
	assert.Equal(t, updates, fx.filter.Stats().Compositor.ParamUpdates)
}

func TestFilterSettingsChangeLeavesInFlightJobAlone(t *testing.T) {
	engine := stalledEngine(255)
	fx := newFilterFixture(t, engine, config.Defaults())
	fx.frame(t)
	<-engine.started

	s := config.Defaults()
	s.Threshold = 0.8
	s.Quality = "fast"
	require.NoError(t, fx.filter.OnSettingsChanged(s))
	assert.True(t, fx.filter.sched.Busy())
	assert.InDelta(t, 0.8, fx.filter.Params().Threshold, 1e-6)

	s.BlendMode = "dissolve"
	assert.Error(t, fx.filter.OnSettingsChanged(s))
	assert.InDelta(t, 0.8, fx.filter.Params().Threshold, 1e-6, "rejected settings are not applied")
}

func TestFilterResizeInvalidatesMask(t *testing.T) {
	engine := newFakeEngine(0)
	fx := newFilterFixture(t, engine, config.Defaults())
	fx.frame(t)
	fx.waitPublished(t, 1)
	require.Eventually(t, func() bool { return !fx.filter.sched.Busy() }, time.Second, time.Millisecond)

	fx.source.resize(12, 6)
	out := fx.frame(t)
	require.NotNil(t, out)
	assert.Equal(t, 12, out.Width())
	assert.Equal(t, fx.source.expected(t), out.Pix(), "old mask is not reused at the new size")

	st := fx.filter.Stats()
	assert.Equal(t, uint64(2), st.Resizes)
	assert.Equal(t, uint64(2), st.Passthrough)
}

func TestFilterDropsMaskComputedBeforeResize(t *testing.T) {
	engine := stalledEngine(0)
	fx := newFilterFixture(t, engine, config.Defaults())
	fx.frame(t)
	<-engine.started

	fx.source.resize(4, 4)
	fx.frame(t)
	engine.open()
	require.Eventually(t, func() bool {
		return fx.filter.Stats().Scheduler.Stale == 1
	}, 2*time.Second, time.Millisecond)

	out := fx.frame(t)
	assert.Equal(t, fx.source.expected(t), out.Pix())
	assert.Equal(t, uint64(0), fx.filter.Stats().Composited)
}

func TestFilterZeroSizeSource(t *testing.T) {
	fx := newFilterFixture(t, newFakeEngine(0), config.Defaults())
	fx.source.resize(0, 0)

	out, err := fx.filter.OnFrame()
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, uint64(1), fx.filter.Stats().NoSource)
	assert.Equal(t, uint64(0), fx.filter.Stats().Scheduler.Dispatched)
}

func TestFilterSourceRenderFailure(t *testing.T) {
	fx := newFilterFixture(t, newFakeEngine(0), config.Defaults())
	fx.source.err = errors.New("capture lost")

	out, err := fx.filter.OnFrame()
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, uint64(1), fx.filter.Stats().NoSource)
}

func TestFilterEngineFailureDegradesToPassThrough(t *testing.T) {
	engine := newFakeEngine(0)
	engine.err = segment.ErrInferenceFailed
	fx := newFilterFixture(t, engine, config.Defaults())

	fx.frame(t)
	require.Eventually(t, func() bool {
		return fx.filter.Stats().Scheduler.Failures == 1
	}, 2*time.Second, time.Millisecond)

	out := fx.frame(t)
	assert.Equal(t, fx.source.expected(t), out.Pix())
	assert.Equal(t, uint64(0), fx.filter.Stats().Composited)
}

func TestFilterShutdownWaitsForInference(t *testing.T) {
	engine := stalledEngine(255)
	fx := newFilterFixture(t, engine, config.Defaults())
	fx.frame(t)
	<-engine.started

	done := make(chan error, 1)
	go func() { done <- fx.filter.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned while inference was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateDraining, fx.filter.State())
	_, err := fx.filter.OnFrame()
	assert.ErrorIs(t, err, ErrNotActive)

	engine.open()
	require.NoError(t, <-done)
	assert.Equal(t, StateDestroyed, fx.filter.State())

	st := fx.filter.Stats()
	assert.Equal(t, uint64(0), st.Scheduler.Panics, "the job never touched freed memory")
	assert.Equal(t, uint64(1), st.Scheduler.Published)
	assert.True(t, engine.closed.Load())

	dev := fx.dev.Stats()
	assert.Equal(t, int64(0), dev.LiveTextures())
	assert.Equal(t, int64(0), dev.LivePrograms())

	assert.NoError(t, fx.filter.Shutdown(context.Background()), "shutdown is idempotent")
	assert.ErrorIs(t, fx.filter.OnSettingsChanged(config.Defaults()), ErrNotActive)
}

func TestFilterShutdownTimeout(t *testing.T) {
	engine := stalledEngine(255)
	fx := newFilterFixture(t, engine, config.Defaults())
	fx.frame(t)
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := fx.filter.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrTeardownTimeout)
	assert.Equal(t, StateDraining, fx.filter.State())
	assert.False(t, engine.closed.Load())
	assert.Greater(t, fx.dev.Stats().LiveTextures(), int64(0), "resources stay while the job runs")

	engine.open()
	require.NoError(t, fx.filter.Shutdown(context.Background()))
	assert.Equal(t, StateDestroyed, fx.filter.State())
	assert.Equal(t, int64(0), fx.dev.Stats().LiveTextures())
}

func TestFilterShutdownUsesConfiguredTimeout(t *testing.T) {
	s := config.Defaults()
	s.TeardownTimeout = config.Duration{Duration: 20 * time.Millisecond}
	engine := stalledEngine(255)
	fx := newFilterFixture(t, engine, s)
	fx.frame(t)
	<-engine.started

	err := fx.filter.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrTeardownTimeout)
}
