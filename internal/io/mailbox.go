package io

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
)

var ErrNoFrame = errors.New("io: no frame captured yet")

// frameMailbox keeps the most recent captured frame. Producers overwrite it,
// the render goroutine copies it out; frames are never queued.
type frameMailbox struct {
	mu     sync.Mutex
	frame  *pixbuf.Buffer
	width  atomic.Int32
	height atomic.Int32

	received atomic.Uint64
	replaced atomic.Uint64
	consumed atomic.Uint64
	dropped  atomic.Uint64
	pending  bool
}

// put stores a BGRA8 frame of w×h whose rows are stride bytes apart.
func (m *frameMailbox) put(pix []byte, w, h, stride int) error {
	if stride < w*4 || len(pix) < (h-1)*stride+w*4 {
		return fmt.Errorf("io: short frame %d bytes for %dx%d", len(pix), w, h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil || m.frame.Width() != w || m.frame.Height() != h {
		buf, err := pixbuf.New(w, h, pixbuf.BGRA8)
		if err != nil {
			return err
		}
		if m.frame != nil {
			m.frame.Release()
		}
		m.frame = buf
		m.width.Store(int32(w))
		m.height.Store(int32(h))
	}

	dst := m.frame.Pix()
	row := w * 4
	for y := 0; y < h; y++ {
		copy(dst[y*row:(y+1)*row], pix[y*stride:y*stride+row])
	}
	if m.pending {
		m.replaced.Add(1)
	}
	m.pending = true
	m.received.Add(1)
	return nil
}

func (m *frameMailbox) dims() (int, int) {
	return int(m.width.Load()), int(m.height.Load())
}

// render copies the latest frame into dst. A texture of another size gets
// ErrNoFrame; the next OnFrame resizes it.
func (m *frameMailbox) render(dst *gfx.Texture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame == nil {
		return ErrNoFrame
	}
	if !dst.Matches(m.frame.Width(), m.frame.Height(), pixbuf.BGRA8) {
		return fmt.Errorf("%w: frame is %s, target %dx%d", ErrNoFrame, m.frame, dst.Width(), dst.Height())
	}
	if err := dst.Write(m.frame); err != nil {
		return err
	}
	m.pending = false
	m.consumed.Add(1)
	return nil
}

func (m *frameMailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frame != nil {
		m.frame.Release()
		m.frame = nil
	}
	m.width.Store(0)
	m.height.Store(0)
}

// SourceStats counts frames through a live source.
type SourceStats struct {
	Received uint64
	Replaced uint64
	Consumed uint64
	Dropped  uint64
}

func (m *frameMailbox) stats() SourceStats {
	return SourceStats{
		Received: m.received.Load(),
		Replaced: m.replaced.Load(),
		Consumed: m.consumed.Load(),
		Dropped:  m.dropped.Load(),
	}
}
