// Concrete implementations of mask metrics
package metrics

import (
	"fmt"

	"background-removal-filter/internal/pixbuf"
)

// foregroundCutoff is the 8-bit mask value at which a pixel counts as
// foreground.
const foregroundCutoff = 128

func checkMask(m *pixbuf.Buffer) error {
	if m == nil {
		return fmt.Errorf("empty mask")
	}
	if m.Format() != pixbuf.A8 {
		return fmt.Errorf("mask format %s, want A8", m.Format())
	}
	return nil
}

// Coverage is the fraction of pixels classified as foreground.
type Coverage struct{}

// NewCoverage creates a new coverage metric
func NewCoverage() *Coverage {
	return &Coverage{}
}

func (c *Coverage) Calculate(_, cur *pixbuf.Buffer) (float64, error) {
	if err := checkMask(cur); err != nil {
		return 0, err
	}
	pix := cur.Pix()
	fg := 0
	for _, v := range pix {
		if v >= foregroundCutoff {
			fg++
		}
	}
	return float64(fg) / float64(len(pix)), nil
}

func (c *Coverage) GetName() string              { return "Coverage" }
func (c *Coverage) GetDescription() string       { return "Fraction of the frame classified as foreground" }
func (c *Coverage) GetRange() (float64, float64) { return 0, 1 }
func (c *Coverage) IsHigherBetter() bool         { return true }

// Stability is the intersection over union of the foreground of two
// consecutive masks. Two empty masks are perfectly stable.
type Stability struct{}

// NewStability creates a new stability metric
func NewStability() *Stability {
	return &Stability{}
}

func (s *Stability) Calculate(prev, cur *pixbuf.Buffer) (float64, error) {
	if err := checkMask(cur); err != nil {
		return 0, err
	}
	if prev == nil {
		return 0, ErrNoPrevious
	}
	if err := checkMask(prev); err != nil {
		return 0, err
	}
	if !prev.SameShape(cur) {
		return 0, fmt.Errorf("mask dimensions mismatch: %s vs %s", prev, cur)
	}

	a, b := prev.Pix(), cur.Pix()
	inter, union := 0, 0
	for i := range a {
		fa, fb := a[i] >= foregroundCutoff, b[i] >= foregroundCutoff
		if fa && fb {
			inter++
		}
		if fa || fb {
			union++
		}
	}
	if union == 0 {
		return 1, nil
	}
	return float64(inter) / float64(union), nil
}

func (s *Stability) GetName() string              { return "Stability" }
func (s *Stability) GetDescription() string       { return "Foreground IoU with the previous mask" }
func (s *Stability) GetRange() (float64, float64) { return 0, 1 }
func (s *Stability) IsHigherBetter() bool         { return true }

// Confidence is the mean distance of each mask value from 0.5, scaled to
// [0,1]. A hard binary mask scores 1.
type Confidence struct{}

// NewConfidence creates a new confidence metric
func NewConfidence() *Confidence {
	return &Confidence{}
}

func (c *Confidence) Calculate(_, cur *pixbuf.Buffer) (float64, error) {
	if err := checkMask(cur); err != nil {
		return 0, err
	}
	pix := cur.Pix()
	sum := 0.0
	for _, v := range pix {
		d := 2*float64(v)/255 - 1
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(pix)), nil
}

func (c *Confidence) GetName() string              { return "Confidence" }
func (c *Confidence) GetDescription() string       { return "Mean certainty of the foreground probabilities" }
func (c *Confidence) GetRange() (float64, float64) { return 0, 1 }
func (c *Confidence) IsHigherBetter() bool         { return true }
