package core

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StageStats summarises the durations recorded for one stage.
type StageStats struct {
	Count   uint64
	Last    time.Duration
	Average time.Duration
	Max     time.Duration
}

// StageTimer records per-stage durations and logs a debug summary every
// `every` observations of a stage.
type StageTimer struct {
	mu     sync.Mutex
	logger logrus.FieldLogger
	every  uint64
	stages map[string]*stageRecord
}

type stageRecord struct {
	count uint64
	total time.Duration
	last  time.Duration
	max   time.Duration
}

func NewStageTimer(logger logrus.FieldLogger, every uint64) *StageTimer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StageTimer{
		logger: logger,
		every:  every,
		stages: make(map[string]*stageRecord),
	}
}

// Observe records d for stage.
func (t *StageTimer) Observe(stage string, d time.Duration) {
	t.mu.Lock()
	rec, ok := t.stages[stage]
	if !ok {
		rec = &stageRecord{}
		t.stages[stage] = rec
	}
	rec.count++
	rec.total += d
	rec.last = d
	if d > rec.max {
		rec.max = d
	}
	summary := t.every > 0 && rec.count%t.every == 0
	stats := rec.stats()
	t.mu.Unlock()

	if summary {
		t.logger.WithFields(logrus.Fields{
			"stage":       stage,
			"count":       stats.Count,
			"avg_ms":      float64(stats.Average.Microseconds()) / 1000,
			"max_ms":      float64(stats.Max.Microseconds()) / 1000,
			"duration_ms": d.Milliseconds(),
		}).Debug("stage timing")
	}
}

// Time runs fn and records its duration for stage.
func (t *StageTimer) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Observe(stage, time.Since(start))
	return err
}

// Stage returns the stats for one stage.
func (t *StageTimer) Stage(stage string) StageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.stages[stage]; ok {
		return rec.stats()
	}
	return StageStats{}
}

// Stages lists the recorded stage names, sorted.
func (t *StageTimer) Stages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.stages))
	for name := range t.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *stageRecord) stats() StageStats {
	s := StageStats{Count: r.count, Last: r.last, Max: r.max}
	if r.count > 0 {
		s.Average = r.total / time.Duration(r.count)
	}
	return s
}
