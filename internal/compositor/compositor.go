// Package compositor blends the source frame with the segmentation mask.
//
// The composite is one parameterised program (shaders/composite.wgsl). The
// Fast, Balanced and Quality techniques are data presets for its mask
// sampling kernel rather than separate programs.
package compositor

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/transfer"
)

//go:embed shaders/composite.wgsl
var compositeShaderWGSL string

// RequiredParams are the uniforms the composite program must declare.
var RequiredParams = []string{
	"threshold", "smoothing", "contrast", "brightness", "blend_mode",
	"spill_enable", "spill_strength", "spill_color",
	"kernel_radius", "kernel_sigma", "minimal",
}

// ShaderSource returns the embedded composite program.
func ShaderSource() string { return compositeShaderWGSL }

// Stats counts compositor work since creation.
type Stats struct {
	Draws             uint64
	Passthrough       uint64
	MaskUploads       uint64
	MaskTextureAllocs uint64
	OutputAllocs      uint64
	ParamUpdates      uint64
}

// Compositor owns the composite program, the cached mask texture and the
// output texture. All methods must be called inside the device context.
type Compositor struct {
	dev      *gfx.Device
	transfer *transfer.Transfer
	logger   logrus.FieldLogger

	prog   *gfx.Program
	kernel *referenceKernel
	params map[string]*gfx.Param

	maskTex *gfx.Texture
	maskSeq uint64
	outTex  *gfx.Texture

	applied *Params
	stats   Stats
}

// New compiles the composite program. A program that lacks any of
// RequiredParams fails with gfx.ErrShaderParamMissing.
func New(dev *gfx.Device, tr *transfer.Transfer, logger logrus.FieldLogger) (*Compositor, error) {
	return newWithSource(dev, tr, logger, compositeShaderWGSL)
}

func newWithSource(dev *gfx.Device, tr *transfer.Transfer, logger logrus.FieldLogger, source string) (*Compositor, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Compositor{
		dev:      dev,
		transfer: tr,
		logger:   logger.WithField("component", "compositor"),
		kernel:   &referenceKernel{},
		params:   make(map[string]*gfx.Param, len(RequiredParams)),
	}

	prog, err := dev.LoadProgram("composite", source, c.kernel.run)
	if err != nil {
		return nil, fmt.Errorf("failed to load composite program: %w", err)
	}
	if err := prog.Require(RequiredParams...); err != nil {
		_ = dev.DestroyProgram(prog)
		return nil, err
	}
	for _, name := range RequiredParams {
		c.params[name] = prog.Param(name)
	}
	c.prog = prog
	return c, nil
}

// Render composites src with mask into the output texture and returns it.
// A nil mask means no valid segmentation exists yet and src is copied
// through unmodified. seq identifies the mask; the cached mask texture is
// only refreshed when it changes.
func (c *Compositor) Render(src *gfx.Texture, p Params, mask *pixbuf.Buffer, seq uint64) (*gfx.Texture, error) {
	if c.prog == nil {
		return nil, fmt.Errorf("%w: compositor released", gfx.ErrDestroyed)
	}
	if src == nil || src.Destroyed() {
		return nil, transfer.ErrNoSourceTexture
	}
	if src.Format() != pixbuf.BGRA8 {
		return nil, fmt.Errorf("compositor: source must be BGRA8, got %s", src.Format())
	}
	w, h := src.Width(), src.Height()

	if err := c.ensureOutput(w, h); err != nil {
		return nil, err
	}

	if mask == nil {
		if err := c.outTex.Write(src.Buffer()); err != nil {
			return nil, err
		}
		c.stats.Passthrough++
		return c.outTex, nil
	}

	if err := c.ensureMask(w, h, mask, seq); err != nil {
		return nil, err
	}
	if err := c.apply(p); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.dev.Draw(c.prog, c.outTex, src, c.maskTex); err != nil {
		return nil, fmt.Errorf("composite draw: %w", err)
	}
	c.stats.Draws++
	if d := time.Since(start); d > 10*time.Millisecond {
		c.logger.WithFields(logrus.Fields{
			"duration_ms": d.Milliseconds(),
			"technique":   p.Technique.String(),
			"size":        fmt.Sprintf("%dx%d", w, h),
		}).Debug("slow composite")
	}
	return c.outTex, nil
}

func (c *Compositor) ensureOutput(w, h int) error {
	if c.outTex.Matches(w, h, pixbuf.BGRA8) {
		return nil
	}
	if err := c.dev.DestroyTexture(c.outTex); err != nil {
		return err
	}
	c.outTex = nil

	tex, err := c.dev.CreateTexture(w, h, pixbuf.BGRA8)
	if err != nil {
		return fmt.Errorf("output texture: %w", err)
	}
	c.outTex = tex
	c.stats.OutputAllocs++
	return nil
}

// ensureMask keeps the cached mask texture at the source size and uploads
// mask into it when the texture is new or the mask changed.
func (c *Compositor) ensureMask(w, h int, mask *pixbuf.Buffer, seq uint64) error {
	fresh := false
	if !c.maskTex.Matches(w, h, pixbuf.A8) {
		if err := c.dev.DestroyTexture(c.maskTex); err != nil {
			return err
		}
		c.maskTex = nil

		tex, err := c.dev.CreateTexture(w, h, pixbuf.A8)
		if err != nil {
			return fmt.Errorf("mask texture: %w", err)
		}
		c.maskTex = tex
		c.stats.MaskTextureAllocs++
		fresh = true
	}

	if !fresh && seq == c.maskSeq {
		return nil
	}
	if err := c.transfer.DownloadMask(mask, c.maskTex); err != nil {
		return fmt.Errorf("mask upload: %w", err)
	}
	c.maskSeq = seq
	c.stats.MaskUploads++
	return nil
}

// apply pushes p into the program uniforms when it differs from what was
// last applied.
func (c *Compositor) apply(p Params) error {
	if c.applied != nil && *c.applied == p {
		return nil
	}

	kernel := p.Technique.Kernel()
	sets := []error{
		c.dev.SetFloat(c.params["threshold"], p.Threshold),
		c.dev.SetFloat(c.params["smoothing"], p.EdgeSmoothing),
		c.dev.SetFloat(c.params["contrast"], p.Contrast),
		c.dev.SetFloat(c.params["brightness"], p.Brightness),
		c.dev.SetInt(c.params["blend_mode"], int(p.Blend)),
		c.dev.SetBool(c.params["spill_enable"], p.SpillEnable),
		c.dev.SetFloat(c.params["spill_strength"], p.SpillStrength),
		c.dev.SetVec3(c.params["spill_color"], p.SpillRGB()),
		c.dev.SetInt(c.params["kernel_radius"], kernel.Radius),
		c.dev.SetFloat(c.params["kernel_sigma"], kernel.Sigma),
		c.dev.SetBool(c.params["minimal"], p.Profile == ProfileMinimal),
	}
	for _, err := range sets {
		if err != nil {
			return fmt.Errorf("set composite params: %w", err)
		}
	}

	applied := p
	c.applied = &applied
	c.stats.ParamUpdates++
	return nil
}

// ReleaseTextures destroys the cached mask and output textures.
func (c *Compositor) ReleaseTextures() error {
	if err := c.dev.DestroyTexture(c.maskTex); err != nil {
		return err
	}
	c.maskTex = nil
	c.maskSeq = 0
	if err := c.dev.DestroyTexture(c.outTex); err != nil {
		return err
	}
	c.outTex = nil
	return nil
}

// ReleaseProgram destroys the composite program. Render fails afterwards.
func (c *Compositor) ReleaseProgram() error {
	if c.prog == nil {
		return nil
	}
	if err := c.dev.DestroyProgram(c.prog); err != nil {
		return err
	}
	c.prog = nil
	c.applied = nil
	return nil
}

// Release destroys every device object the compositor owns.
func (c *Compositor) Release() error {
	if err := c.ReleaseTextures(); err != nil {
		return err
	}
	return c.ReleaseProgram()
}

func (c *Compositor) Stats() Stats {
	return c.stats
}
