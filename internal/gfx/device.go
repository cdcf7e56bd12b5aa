// Package gfx is the graphics device the filter renders with.
//
// The device is a software implementation with the same discipline a GPU
// device imposes: every object creation, destruction, parameter change and
// draw must happen inside an Enter/Leave scope, and objects cannot be used
// after they are destroyed. The device counts what it hands out so tests can
// check that teardown returns every resource.
package gfx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/pixbuf"
)

var (
	ErrNoContext          = errors.New("gfx: operation outside graphics context")
	ErrShaderCompile      = errors.New("gfx: shader compilation failed")
	ErrShaderParamMissing = errors.New("gfx: shader parameter missing")
	ErrDestroyed          = errors.New("gfx: object already destroyed")
)

// Stats is a snapshot of device resource accounting.
type Stats struct {
	TexturesCreated   uint64
	TexturesDestroyed uint64
	ProgramsLoaded    uint64
	ProgramsDestroyed uint64
	ParamSets         uint64
	Draws             uint64
}

// LiveTextures returns the number of textures not yet destroyed.
func (s Stats) LiveTextures() int64 {
	return int64(s.TexturesCreated) - int64(s.TexturesDestroyed)
}

// LivePrograms returns the number of programs not yet destroyed.
func (s Stats) LivePrograms() int64 {
	return int64(s.ProgramsLoaded) - int64(s.ProgramsDestroyed)
}

// Device is the graphics context. It is safe for use from several
// goroutines, but only one of them can be inside the context at a time.
type Device struct {
	ctx       sync.Mutex
	inContext atomic.Bool
	logger    logrus.FieldLogger

	nextID            atomic.Uint64
	texturesCreated   atomic.Uint64
	texturesDestroyed atomic.Uint64
	programsLoaded    atomic.Uint64
	programsDestroyed atomic.Uint64
	paramSets         atomic.Uint64
	draws             atomic.Uint64
}

func NewDevice(logger logrus.FieldLogger) *Device {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Device{
		logger: logger.WithField("component", "gfx"),
	}
}

// Enter acquires the graphics context. It blocks while another goroutine
// holds it and is not re-entrant.
func (d *Device) Enter() {
	d.ctx.Lock()
	d.inContext.Store(true)
}

// Leave releases the graphics context.
func (d *Device) Leave() {
	d.inContext.Store(false)
	d.ctx.Unlock()
}

// Do runs fn inside the graphics context.
func (d *Device) Do(fn func() error) error {
	d.Enter()
	defer d.Leave()
	return fn()
}

// InContext reports whether some goroutine currently holds the context.
func (d *Device) InContext() bool {
	return d.inContext.Load()
}

// RequireContext fails with ErrNoContext outside an Enter/Leave scope. Code
// outside the package that touches texture memory directly checks it first.
func (d *Device) RequireContext(op string) error {
	return d.requireContext(op)
}

func (d *Device) requireContext(op string) error {
	if !d.inContext.Load() {
		return fmt.Errorf("%w: %s", ErrNoContext, op)
	}
	return nil
}

// CreateTexture allocates a zeroed texture.
func (d *Device) CreateTexture(width, height int, format pixbuf.Format) (*Texture, error) {
	if err := d.requireContext("create texture"); err != nil {
		return nil, err
	}
	buf, err := pixbuf.New(width, height, format)
	if err != nil {
		return nil, err
	}

	tex := &Texture{
		id:  d.nextID.Add(1),
		dev: d,
		buf: buf,
	}
	d.texturesCreated.Add(1)
	d.logger.WithFields(logrus.Fields{
		"texture_id": tex.id,
		"size":       buf.String(),
	}).Debug("texture created")
	return tex, nil
}

// DestroyTexture frees a texture. Destroying nil is a no-op.
func (d *Device) DestroyTexture(tex *Texture) error {
	if tex == nil {
		return nil
	}
	if err := d.requireContext("destroy texture"); err != nil {
		return err
	}
	if !tex.destroyed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: texture %d", ErrDestroyed, tex.id)
	}
	tex.buf.Release()
	d.texturesDestroyed.Add(1)
	d.logger.WithField("texture_id", tex.id).Debug("texture destroyed")
	return nil
}

func (d *Device) Stats() Stats {
	return Stats{
		TexturesCreated:   d.texturesCreated.Load(),
		TexturesDestroyed: d.texturesDestroyed.Load(),
		ProgramsLoaded:    d.programsLoaded.Load(),
		ProgramsDestroyed: d.programsDestroyed.Load(),
		ParamSets:         d.paramSets.Load(),
		Draws:             d.draws.Load(),
	}
}
