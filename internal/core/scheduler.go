package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"background-removal-filter/internal/metrics"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

var ErrTeardownTimeout = errors.New("core: timed out waiting for in-flight inference")

// Job is one segmentation request. Frame is lent to the scheduler until the
// job completes; the submitter must not write it while Busy reports true.
type Job struct {
	Frame      *pixbuf.Buffer
	Generation uint64
	Quality    segment.Quality
	TraceID    string
}

// SchedulerStats is a snapshot of the scheduler counters.
type SchedulerStats struct {
	Dispatched     uint64
	Completed      uint64
	Published      uint64
	Dropped        uint64
	Failures       uint64
	Panics         uint64
	Stale          uint64
	BusySkips      uint64
	RateSkips      uint64
	ClosedSkips    uint64
	LastLatency    time.Duration
	AverageLatency time.Duration
}

// Scheduler admits at most one segmentation job at a time and runs it on a
// dedicated worker goroutine. Frames arriving while a job is in flight are
// skipped, never queued.
type Scheduler struct {
	engine  segment.Engine
	state   *MaskState
	tracker *metrics.Tracker
	logger  logrus.FieldLogger
	timer   *StageTimer

	// gate holds one permit; a job owns it from admission until its last step.
	gate     *semaphore.Weighted
	inFlight atomic.Bool
	closed   atomic.Bool
	drained  atomic.Bool

	minInterval  atomic.Int64
	lastDispatch time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *Job
	stopping bool
	started  bool
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	dispatched   atomic.Uint64
	completed    atomic.Uint64
	published    atomic.Uint64
	dropped      atomic.Uint64
	failures     atomic.Uint64
	panics       atomic.Uint64
	stale        atomic.Uint64
	busySkips    atomic.Uint64
	rateSkips    atomic.Uint64
	closedSkips  atomic.Uint64
	lastLatency  atomic.Int64
	totalLatency atomic.Int64
}

// SchedulerOptions configures a Scheduler. Zero values are valid.
type SchedulerOptions struct {
	// Tracker scores each published mask; nil skips mask metrics.
	Tracker *metrics.Tracker
	// Timer records inference durations; nil gives the scheduler its own.
	Timer *StageTimer
	// MinInterval is the shortest gap between two dispatches.
	MinInterval time.Duration
}

// NewScheduler creates a scheduler that publishes into state.
func NewScheduler(engine segment.Engine, state *MaskState, logger logrus.FieldLogger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:  engine,
		state:   state,
		tracker: opts.Tracker,
		timer:   opts.Timer,
		logger:  logger.WithField("component", "scheduler"),
		gate:    semaphore.NewWeighted(1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.timer == nil {
		s.timer = NewStageTimer(s.logger, 100)
	}
	s.SetMinInterval(opts.MinInterval)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker goroutine. Calling it again has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
	s.logger.Debug("SCHEDULER: worker started")
}

// SetMinInterval sets the minimum time between two dispatches. Zero
// disables the cap.
func (s *Scheduler) SetMinInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.minInterval.Store(int64(d))
}

// Ready reports whether TryDispatch would currently admit a job. The render
// path checks it before staging a frame.
func (s *Scheduler) Ready() bool {
	if s.closed.Load() || s.inFlight.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.rateLimited()
}

func (s *Scheduler) rateLimited() bool {
	iv := time.Duration(s.minInterval.Load())
	return iv > 0 && !s.lastDispatch.IsZero() && time.Since(s.lastDispatch) < iv
}

// TryDispatch hands job to the worker if nothing is in flight. It never
// blocks and reports whether the job was admitted.
func (s *Scheduler) TryDispatch(job Job) bool {
	if s.closed.Load() {
		s.closedSkips.Add(1)
		return false
	}

	s.mu.Lock()
	if s.rateLimited() {
		s.mu.Unlock()
		s.rateSkips.Add(1)
		return false
	}
	s.mu.Unlock()

	if !s.gate.TryAcquire(1) {
		s.busySkips.Add(1)
		return false
	}
	if s.closed.Load() {
		s.gate.Release(1)
		s.closedSkips.Add(1)
		return false
	}
	s.inFlight.Store(true)

	s.mu.Lock()
	s.lastDispatch = time.Now()
	s.pending = &job
	s.mu.Unlock()
	s.cond.Signal()

	s.dispatched.Add(1)
	return true
}

// Busy reports whether a job is in flight.
func (s *Scheduler) Busy() bool {
	return s.inFlight.Load()
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.pending == nil && !s.stopping {
			s.cond.Wait()
		}
		if s.pending == nil {
			s.mu.Unlock()
			return
		}
		job := *s.pending
		s.pending = nil
		s.mu.Unlock()

		s.process(job)
	}
}

func (s *Scheduler) process(job Job) {
	defer func() {
		s.inFlight.Store(false)
		s.gate.Release(1)
	}()

	log := s.logger.WithField("trace_id", job.TraceID)
	start := time.Now()
	mask, err := s.segment(job)
	latency := time.Since(start)
	s.lastLatency.Store(int64(latency))
	s.totalLatency.Add(int64(latency))
	s.completed.Add(1)
	s.timer.Observe("inference", latency)

	if err == nil {
		err = segment.ValidateMask(mask, job.Frame)
		if err != nil {
			mask.Release()
			mask = nil
		}
	}
	if err != nil {
		s.failures.Add(1)
		s.dropped.Add(1)
		log.WithError(err).WithField("duration_ms", latency.Milliseconds()).Warn("SCHEDULER: inference failed, keeping previous mask")
		return
	}
	if mask == nil {
		s.dropped.Add(1)
		log.Debug("SCHEDULER: inference returned no mask")
		return
	}

	mask.Retain()
	defer mask.Release()
	if err := s.state.Publish(mask, job.Generation); err != nil {
		mask.Release()
		if errors.Is(err, ErrStaleMask) {
			s.stale.Add(1)
		}
		s.dropped.Add(1)
		log.WithError(err).Debug("SCHEDULER: mask not published")
		return
	}
	s.published.Add(1)

	if s.tracker != nil {
		values := s.tracker.Observe(mask)
		log.WithFields(logrus.Fields{
			"duration_ms": latency.Milliseconds(),
			"coverage":    values["coverage"],
			"confidence":  values["confidence"],
		}).Debug("SCHEDULER: mask published")
	}
}

func (s *Scheduler) segment(job Job) (mask *pixbuf.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			mask = nil
			err = fmt.Errorf("%w: panic in %s engine: %v", segment.ErrInferenceFailed, s.engine.Name(), r)
		}
	}()

	return s.engine.Segment(s.ctx, segment.Request{
		Frame:   job.Frame,
		Quality: job.Quality,
		TraceID: job.TraceID,
	})
}

// Drain closes admission and waits for the in-flight job, if any. It fails
// with ErrTeardownTimeout when ctx ends first; the job keeps running and
// still owns its frame.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.closed.Store(true)
	if s.drained.Load() {
		return nil
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		s.logger.WithError(err).Error("SCHEDULER: in-flight inference did not finish")
		return fmt.Errorf("%w: %v", ErrTeardownTimeout, err)
	}
	// The permit is kept: nothing may be dispatched after a drain.
	s.drained.Store(true)
	return nil
}

// Stop ends the worker goroutine and cancels the context engines receive.
// It waits for the worker until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closed.Store(true)
	s.mu.Lock()
	s.stopping = true
	started := s.started
	s.mu.Unlock()
	s.cond.Broadcast()

	if !started {
		s.cancel()
		return nil
	}

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("%w: worker still running", ErrTeardownTimeout)
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		Dispatched:  s.dispatched.Load(),
		Completed:   s.completed.Load(),
		Published:   s.published.Load(),
		Dropped:     s.dropped.Load(),
		Failures:    s.failures.Load(),
		Panics:      s.panics.Load(),
		Stale:       s.stale.Load(),
		BusySkips:   s.busySkips.Load(),
		RateSkips:   s.rateSkips.Load(),
		ClosedSkips: s.closedSkips.Load(),
		LastLatency: time.Duration(s.lastLatency.Load()),
	}
	if st.Completed > 0 {
		st.AverageLatency = time.Duration(s.totalLatency.Load() / int64(st.Completed))
	}
	return st
}
