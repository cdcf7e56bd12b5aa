package metrics

import (
	"sync"

	"background-removal-filter/internal/pixbuf"
)

// Tracker evaluates each new mask against the previous one and keeps the
// latest values plus an exponential moving average per metric. The previous
// mask is retained until the next Observe or Reset.
type Tracker struct {
	mu     sync.Mutex
	eval   *Evaluator
	prev   *pixbuf.Buffer
	latest map[string]float64
	avg    map[string]float64
	count  uint64
	alpha  float64
}

// NewTracker creates a tracker. alpha is the EMA weight of the newest value
// and falls back to 0.1 outside (0,1].
func NewTracker(eval *Evaluator, alpha float64) *Tracker {
	if eval == nil {
		eval = NewEvaluator()
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &Tracker{
		eval:   eval,
		latest: make(map[string]float64),
		avg:    make(map[string]float64),
		alpha:  alpha,
	}
}

// Observe scores mask and returns the values computed for it. The tracker
// takes its own reference to mask.
func (t *Tracker) Observe(mask *pixbuf.Buffer) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.prev
	if prev != nil && !prev.SameShape(mask) {
		prev.Release()
		prev = nil
	}
	values := t.eval.CalculateAll(prev, mask)
	if prev != nil {
		prev.Release()
	}
	t.prev = mask.Retain()

	t.count++
	for name, v := range values {
		t.latest[name] = v
		if old, ok := t.avg[name]; ok {
			t.avg[name] = old + t.alpha*(v-old)
		} else {
			t.avg[name] = v
		}
	}
	return values
}

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	Observed uint64
	Latest   map[string]float64
	Average  map[string]float64
	Quality  string
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Observed: t.count,
		Latest:   make(map[string]float64, len(t.latest)),
		Average:  make(map[string]float64, len(t.avg)),
	}
	for k, v := range t.latest {
		s.Latest[k] = v
	}
	for k, v := range t.avg {
		s.Average[k] = v
	}
	s.Quality = QualityLevel(s.Average)
	return s
}

// Reset drops the previous mask and all history.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.prev != nil {
		t.prev.Release()
		t.prev = nil
	}
	t.latest = make(map[string]float64)
	t.avg = make(map[string]float64)
	t.count = 0
}
