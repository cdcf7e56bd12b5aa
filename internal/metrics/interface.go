// Mask quality metrics evaluated after each segmentation result
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"background-removal-filter/internal/pixbuf"
)

// Metric scores a mask, optionally against the mask that preceded it. prev
// is nil for the first mask of a stream.
type Metric interface {
	// Calculate computes the metric value
	Calculate(prev, cur *pixbuf.Buffer) (float64, error)

	// GetName returns the metric name
	GetName() string

	// GetDescription returns the metric description
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate a better mask
	IsHigherBetter() bool
}

// ErrNoPrevious is returned by metrics that compare two masks when only one
// is available.
var ErrNoPrevious = errors.New("metrics: no previous mask")

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default mask metrics
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("coverage", NewCoverage())
	e.Register("stability", NewStability())
	e.Register("confidence", NewConfidence())
}

// Register registers a metric
func (e *Evaluator) Register(name string, metric Metric) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics[name] = metric
}

// Names returns the registered metric names, sorted
func (e *Evaluator) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, prev, cur *pixbuf.Buffer) (float64, error) {
	e.mu.RLock()
	metric, exists := e.metrics[name]
	e.mu.RUnlock()
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(prev, cur)
}

// CalculateAll calculates every registered metric. Metrics that fail (for
// example stability on the first mask) are left out.
func (e *Evaluator) CalculateAll(prev, cur *pixbuf.Buffer) map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make(map[string]float64, len(e.metrics))
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(prev, cur); err == nil {
			results[name] = value
		}
	}
	return results
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string
	Description  string
	Range        [2]float64
	HigherBetter bool
}

// GetMetricInfo returns information about all metrics
func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := make(map[string]MetricInfo, len(e.metrics))
	for name, metric := range e.metrics {
		lo, hi := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{lo, hi},
			HigherBetter: metric.IsHigherBetter(),
		}
	}
	return info
}

// QualityLevel grades a set of mask metrics. A mask that flickers between
// frames or sits mostly near 50% probability reads as poor even when it
// covers a plausible area.
func QualityLevel(values map[string]float64) string {
	score, weight := 0.0, 0.0
	if v, ok := values["confidence"]; ok {
		score += v * 0.6
		weight += 0.6
	}
	if v, ok := values["stability"]; ok {
		score += v * 0.4
		weight += 0.4
	}
	if weight == 0 {
		return "unknown"
	}

	switch s := score / weight; {
	case s >= 0.9:
		return "excellent"
	case s >= 0.75:
		return "good"
	case s >= 0.6:
		return "fair"
	default:
		return "poor"
	}
}
