package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-removal-filter/internal/metrics"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

func newTestScheduler(t *testing.T, engine segment.Engine, opts SchedulerOptions) (*Scheduler, *MaskState) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	state := NewMaskState()
	s := NewScheduler(engine, state, logger, opts)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, state
}

func testFrame(t *testing.T, w, h int) *pixbuf.Buffer {
	t.Helper()
	f, err := pixbuf.Checkerboard(w, h, 2)
	require.NoError(t, err)
	return f
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, time.Millisecond)
}

func TestSchedulerAdmitsOneJobAtATime(t *testing.T) {
	engine := stalledEngine(255)
	s, state := newTestScheduler(t, engine, SchedulerOptions{})
	frame := testFrame(t, 8, 8)

	admitted := 0
	for i := 0; i < 50; i++ {
		if s.TryDispatch(Job{Frame: frame}) {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.True(t, s.Busy())

	<-engine.started
	engine.open()
	waitIdle(t, s)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, uint64(49), st.BusySkips)
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, int32(1), engine.calls.Load())
	assert.Equal(t, int32(1), engine.maxConcurrent.Load())

	snap, ok := state.Read()
	require.True(t, ok)
	assert.Equal(t, byte(255), snap.Mask.Pix()[0])
	snap.Release()

	assert.True(t, s.TryDispatch(Job{Frame: frame}), "gate reopens after completion")
	waitIdle(t, s)
}

func TestSchedulerRecoversEnginePanic(t *testing.T) {
	engine := newFakeEngine(255)
	engine.panicMsg = "model exploded"
	s, state := newTestScheduler(t, engine, SchedulerOptions{})

	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}))
	waitIdle(t, s)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.Dropped)
	_, ok := state.Read()
	assert.False(t, ok)

	engine.panicMsg = ""
	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}))
	waitIdle(t, s)
	assert.Equal(t, uint64(1), s.Stats().Published)
}

func TestSchedulerEngineErrorKeepsPreviousMask(t *testing.T) {
	engine := newFakeEngine(200)
	s, state := newTestScheduler(t, engine, SchedulerOptions{})
	frame := testFrame(t, 4, 4)

	require.True(t, s.TryDispatch(Job{Frame: frame}))
	waitIdle(t, s)

	engine.err = segment.ErrInferenceUnavailable
	require.True(t, s.TryDispatch(Job{Frame: frame}))
	waitIdle(t, s)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(1), st.Published)
	snap, ok := state.Read()
	require.True(t, ok)
	assert.Equal(t, byte(200), snap.Mask.Pix()[0])
	snap.Release()
}

type wrongSizeEngine struct{ fakeEngine }

func (e *wrongSizeEngine) Segment(_ context.Context, req segment.Request) (*pixbuf.Buffer, error) {
	return pixbuf.New(req.Frame.Width()+1, req.Frame.Height(), pixbuf.A8)
}

func TestSchedulerRejectsMisshapenMask(t *testing.T) {
	s, state := newTestScheduler(t, &wrongSizeEngine{}, SchedulerOptions{})
	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}))
	waitIdle(t, s)

	assert.Equal(t, uint64(1), s.Stats().Failures)
	_, ok := state.Read()
	assert.False(t, ok)
}

func TestSchedulerDropsStaleGeneration(t *testing.T) {
	engine := stalledEngine(255)
	s, state := newTestScheduler(t, engine, SchedulerOptions{})

	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4), Generation: 0}))
	<-engine.started
	state.Invalidate(1)
	engine.open()
	waitIdle(t, s)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Stale)
	assert.Equal(t, uint64(0), st.Published)
	_, ok := state.Read()
	assert.False(t, ok)
}

func TestSchedulerMinInterval(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeEngine(1), SchedulerOptions{MinInterval: time.Hour})
	frame := testFrame(t, 2, 2)

	require.True(t, s.TryDispatch(Job{Frame: frame}))
	waitIdle(t, s)
	assert.False(t, s.Ready())
	assert.False(t, s.TryDispatch(Job{Frame: frame}))
	assert.Equal(t, uint64(1), s.Stats().RateSkips)

	s.SetMinInterval(0)
	assert.True(t, s.Ready())
	assert.True(t, s.TryDispatch(Job{Frame: frame}))
	waitIdle(t, s)
}

func TestSchedulerDrainWaitsForJob(t *testing.T) {
	engine := stalledEngine(255)
	s, _ := newTestScheduler(t, engine, SchedulerOptions{})
	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}))
	<-engine.started

	done := make(chan error, 1)
	go func() { done <- s.Drain(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("drain returned while inference was running: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	engine.open()
	require.NoError(t, <-done)
	assert.False(t, s.Busy())
	assert.False(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}), "no admission after drain")
	assert.Equal(t, uint64(1), s.Stats().ClosedSkips)
	assert.NoError(t, s.Drain(context.Background()), "drain is idempotent")
}

func TestSchedulerDrainTimeout(t *testing.T) {
	engine := stalledEngine(255)
	s, _ := newTestScheduler(t, engine, SchedulerOptions{})
	require.True(t, s.TryDispatch(Job{Frame: testFrame(t, 4, 4)}))
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Drain(ctx)
	assert.ErrorIs(t, err, ErrTeardownTimeout)
	assert.True(t, s.Busy())

	engine.open()
	require.NoError(t, s.Drain(context.Background()))
}

func TestSchedulerTracksMaskMetrics(t *testing.T) {
	tracker := metrics.NewTracker(nil, 0.5)
	s, _ := newTestScheduler(t, newFakeEngine(255), SchedulerOptions{Tracker: tracker})
	frame := testFrame(t, 4, 4)

	for i := 0; i < 2; i++ {
		require.True(t, s.TryDispatch(Job{Frame: frame}))
		waitIdle(t, s)
	}

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(2), snap.Observed)
	assert.InDelta(t, 1.0, snap.Latest["coverage"], 1e-9)
	assert.InDelta(t, 1.0, snap.Latest["stability"], 1e-9)
	assert.InDelta(t, 1.0, snap.Latest["confidence"], 1e-9)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeEngine(0), SchedulerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.TryDispatch(Job{Frame: testFrame(t, 2, 2)}))
}
