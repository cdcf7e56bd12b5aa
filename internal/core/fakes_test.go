package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
)

// fakeEngine returns a uniform mask of value. With a gate it blocks inside
// Segment until the gate is opened, which lets tests hold a job in flight.
type fakeEngine struct {
	value    byte
	err      error
	panicMsg string

	gate    chan struct{}
	started chan struct{}

	calls         atomic.Int32
	running       atomic.Int32
	maxConcurrent atomic.Int32
	closed        atomic.Bool
	openOnce      sync.Once
}

func newFakeEngine(value byte) *fakeEngine {
	return &fakeEngine{value: value, started: make(chan struct{}, 64)}
}

// stalledEngine returns an engine that blocks until open is called.
func stalledEngine(value byte) *fakeEngine {
	e := newFakeEngine(value)
	e.gate = make(chan struct{})
	return e
}

func (e *fakeEngine) open() {
	if e.gate != nil {
		e.openOnce.Do(func() { close(e.gate) })
	}
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Segment(_ context.Context, req segment.Request) (*pixbuf.Buffer, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		peak := e.maxConcurrent.Load()
		if n <= peak || e.maxConcurrent.CompareAndSwap(peak, n) {
			break
		}
	}
	e.calls.Add(1)
	select {
	case e.started <- struct{}{}:
	default:
	}

	if e.gate != nil {
		<-e.gate
	}
	if e.closed.Load() {
		return nil, errors.New("fake engine used after close")
	}
	// Touch the frame after the wait; a frame freed underneath the job panics here.
	_ = req.Frame.Pix()[0]

	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.err != nil {
		return nil, e.err
	}

	mask, err := pixbuf.New(req.Frame.Width(), req.Frame.Height(), pixbuf.A8)
	if err != nil {
		return nil, err
	}
	for i := range mask.Pix() {
		mask.Pix()[i] = e.value
	}
	return mask, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// fakeSource renders a checkerboard of the current size.
type fakeSource struct {
	mu     sync.Mutex
	width  int
	height int
	err    error
	frames map[[2]int]*pixbuf.Buffer
}

func newFakeSource(w, h int) *fakeSource {
	return &fakeSource{width: w, height: h, frames: make(map[[2]int]*pixbuf.Buffer)}
}

func (s *fakeSource) Width() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

func (s *fakeSource) Height() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *fakeSource) resize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = w, h
}

// frame returns the checkerboard the source renders at w×h.
func (s *fakeSource) frame(w, h int) (*pixbuf.Buffer, error) {
	key := [2]int{w, h}
	if b, ok := s.frames[key]; ok {
		return b, nil
	}
	b, err := pixbuf.Checkerboard(w, h, 2)
	if err != nil {
		return nil, err
	}
	s.frames[key] = b
	return b, nil
}

func (s *fakeSource) Render(dst *gfx.Texture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	b, err := s.frame(dst.Width(), dst.Height())
	if err != nil {
		return err
	}
	return dst.Write(b)
}

func (s *fakeSource) expected(t *testing.T) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.frame(s.width, s.height)
	require.NoError(t, err)
	return b.Pix()
}

func uniformMask(t *testing.T, w, h int, v byte) *pixbuf.Buffer {
	t.Helper()
	m, err := pixbuf.New(w, h, pixbuf.A8)
	require.NoError(t, err)
	for i := range m.Pix() {
		m.Pix()[i] = v
	}
	return m
}
