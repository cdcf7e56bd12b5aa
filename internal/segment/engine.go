// Package segment defines the inference engines that turn a video frame into
// a foreground probability mask.
package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/pixbuf"
)

var (
	ErrInferenceUnavailable = errors.New("segment: inference unavailable")
	ErrInferenceFailed      = errors.New("segment: inference failed")
	ErrUnknownEngine        = errors.New("segment: unknown engine")
)

// Quality trades inference cost for mask detail.
type Quality int

const (
	Fast Quality = iota
	Balanced
	Accurate
)

func (q Quality) String() string {
	switch q {
	case Fast:
		return "fast"
	case Balanced:
		return "balanced"
	case Accurate:
		return "accurate"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// ParseQuality accepts the names produced by String, case-insensitively.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return Fast, nil
	case "balanced":
		return Balanced, nil
	case "accurate":
		return Accurate, nil
	}
	return Fast, fmt.Errorf("unknown inference quality %q", s)
}

// InputSize is the square network input side used for q.
func (q Quality) InputSize() int {
	switch q {
	case Fast:
		return 160
	case Accurate:
		return 384
	default:
		return 256
	}
}

// Request is one segmentation job. Frame is BGRA8 and must not be modified
// or retained past the call.
type Request struct {
	Frame   *pixbuf.Buffer
	Quality Quality
	TraceID string
}

// Engine produces an A8 mask the size of the request frame. Ownership of the
// returned mask passes to the caller. A nil mask with a nil error means the
// engine had nothing to report for this frame.
type Engine interface {
	Name() string
	Segment(ctx context.Context, req Request) (*pixbuf.Buffer, error)
	Close() error
}

// Options configures an engine built through the registry.
type Options struct {
	ModelPath  string
	ConfigPath string
	Logger     logrus.FieldLogger
}

// Factory builds an engine.
type Factory func(opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an engine available by name. Registering a name twice
// replaces the earlier factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named engine.
func New(name string, opts Options) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (have %s)", ErrUnknownEngine, name, strings.Join(Names(), ", "))
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	engine, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s engine: %w", name, err)
	}
	return engine, nil
}

// Names lists the registered engines, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateMask checks that mask is a usable result for frame.
func ValidateMask(mask, frame *pixbuf.Buffer) error {
	if mask == nil {
		return nil
	}
	if mask.Format() != pixbuf.A8 {
		return fmt.Errorf("%w: mask format %s", ErrInferenceFailed, mask.Format())
	}
	if mask.Width() != frame.Width() || mask.Height() != frame.Height() {
		return fmt.Errorf("%w: mask %s for frame %s", ErrInferenceFailed, mask, frame)
	}
	return nil
}
