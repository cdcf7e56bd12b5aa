package core

import (
	"errors"
	"fmt"
	"sync"

	"background-removal-filter/internal/pixbuf"
)

var ErrStaleMask = errors.New("core: mask belongs to an older frame size")

// MaskSnapshot is a consistent view of the mask state. Mask carries its own
// reference; call Release when done with it.
type MaskSnapshot struct {
	Mask       *pixbuf.Buffer
	Seq        uint64
	Generation uint64
}

// Release drops the snapshot's reference to the mask.
func (s *MaskSnapshot) Release() {
	if s.Mask != nil {
		s.Mask.Release()
		s.Mask = nil
	}
}

// MaskState holds the latest completed segmentation mask. The background
// worker publishes, the render path reads; both only hold the lock for a
// pointer swap.
type MaskState struct {
	mu         sync.RWMutex
	mask       *pixbuf.Buffer
	valid      bool
	seq        uint64
	generation uint64
}

func NewMaskState() *MaskState {
	return &MaskState{}
}

// Publish stores mask as the current result and takes over the caller's
// reference. gen is the frame generation the mask was computed for; a mask
// from an older generation is declined with ErrStaleMask and left to the
// caller.
func (s *MaskState) Publish(mask *pixbuf.Buffer, gen uint64) error {
	if mask == nil || mask.Width() == 0 || mask.Height() == 0 || mask.Format() != pixbuf.A8 {
		return fmt.Errorf("core: refusing to publish malformed mask")
	}

	s.mu.Lock()
	if gen != s.generation {
		current := s.generation
		s.mu.Unlock()
		return fmt.Errorf("%w: mask generation %d, current %d", ErrStaleMask, gen, current)
	}
	old := s.mask
	s.mask = mask
	s.valid = true
	s.seq++
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
	return nil
}

// Read returns the current mask, retained for the caller, and whether one is
// valid.
func (s *MaskState) Read() (MaskSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.valid {
		return MaskSnapshot{Generation: s.generation}, false
	}
	return MaskSnapshot{
		Mask:       s.mask.Retain(),
		Seq:        s.seq,
		Generation: s.generation,
	}, true
}

// Seq is the number of masks published so far.
func (s *MaskState) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Generation is the current frame generation.
func (s *MaskState) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Invalidate moves the state to generation gen and drops the current mask,
// so nothing computed for a previous frame size is ever read again.
func (s *MaskState) Invalidate(gen uint64) {
	s.mu.Lock()
	old := s.mask
	s.mask = nil
	s.valid = false
	s.generation = gen
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Reset drops the current mask. Used at teardown.
func (s *MaskState) Reset() {
	s.mu.Lock()
	old := s.mask
	s.mask = nil
	s.valid = false
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
}
