package compositor

import (
	"fmt"
	"math"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
)

// minimalSmoothing is the fixed smoothstep window of the minimal profile.
const minimalSmoothing = 0.1

// uniformSet is the decoded form of the program uniforms for one draw.
type uniformSet struct {
	threshold     float64
	smoothing     float64
	contrast      float64
	brightness    float64
	blend         BlendMode
	spill         bool
	spillStrength float64
	spillColor    [3]float64
	radius        int
	sigma         float64
	minimal       bool
}

func decodeUniforms(u gfx.Uniforms) uniformSet {
	key := u.Vec3("spill_color")
	return uniformSet{
		threshold:     float64(u.Float("threshold")),
		smoothing:     float64(u.Float("smoothing")),
		contrast:      float64(u.Float("contrast")),
		brightness:    float64(u.Float("brightness")),
		blend:         BlendMode(u.Int("blend_mode")),
		spill:         u.Bool("spill_enable"),
		spillStrength: float64(u.Float("spill_strength")),
		spillColor:    [3]float64{float64(key[0]), float64(key[1]), float64(key[2])},
		radius:        u.Int("kernel_radius"),
		sigma:         float64(u.Float("kernel_sigma")),
		minimal:       u.Bool("minimal"),
	}
}

// referenceKernel evaluates composite.wgsl on the CPU. It keeps scratch
// space for the separable mask blur between draws.
type referenceKernel struct {
	rows    []float64
	sampled []float64
}

// run is bound as the program kernel: inputs are the source (BGRA8) and
// the mask (A8), both the size of dst.
func (k *referenceKernel) run(dst *gfx.Texture, inputs []*gfx.Texture, u gfx.Uniforms) error {
	if len(inputs) != 2 {
		return fmt.Errorf("composite: want source and mask inputs, got %d", len(inputs))
	}
	src, mask := inputs[0], inputs[1]
	w, h := dst.Width(), dst.Height()
	if !src.Matches(w, h, pixbuf.BGRA8) || !mask.Matches(w, h, pixbuf.A8) || dst.Format() != pixbuf.BGRA8 {
		return fmt.Errorf("composite: input shapes do not match %dx%d target", w, h)
	}

	us := decodeUniforms(u)
	m := k.sampleMask(mask.Pix(), w, h, us.radius, us.sigma)

	sp, dp := src.Pix(), dst.Pix()
	for i := 0; i < w*h; i++ {
		o := i * 4
		b, g, r, a := compositePixel(
			[4]byte{sp[o], sp[o+1], sp[o+2], sp[o+3]},
			m[i], us,
		)
		dp[o], dp[o+1], dp[o+2], dp[o+3] = b, g, r, a
	}
	return nil
}

// sampleMask returns the mask as [0,1] values, Gaussian weighted over
// (2r+1)² clamped neighbours when r > 0. The 2D kernel is separable, so it is
// applied as a horizontal then a vertical pass.
func (k *referenceKernel) sampleMask(mask []byte, w, h, radius int, sigma float64) []float64 {
	n := w * h
	if cap(k.sampled) < n {
		k.sampled = make([]float64, n)
		k.rows = make([]float64, n)
	}
	out, rows := k.sampled[:n], k.rows[:n]

	if radius <= 0 || sigma <= 0 {
		for i, v := range mask {
			out[i] = float64(v) / 255
		}
		return out
	}

	weights := make([]float64, 2*radius+1)
	total := 0.0
	for d := -radius; d <= radius; d++ {
		weights[d+radius] = math.Exp(-float64(d*d) / (2 * sigma * sigma))
		total += weights[d+radius]
	}
	for i := range weights {
		weights[i] /= total
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for d := -radius; d <= radius; d++ {
				sum += weights[d+radius] * float64(mask[y*w+clampInt(x+d, 0, w-1)])
			}
			rows[y*w+x] = sum / 255
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for d := -radius; d <= radius; d++ {
				sum += weights[d+radius] * rows[clampInt(y+d, 0, h-1)*w+x]
			}
			out[y*w+x] = sum
		}
	}
	return out
}

// compositePixel applies the per-pixel composite to one BGRA pixel with mask
// value m in [0,1].
func compositePixel(bgra [4]byte, m float64, us uniformSet) (b, g, r, a byte) {
	c := [3]float64{float64(bgra[2]) / 255, float64(bgra[1]) / 255, float64(bgra[0]) / 255}
	srcA := float64(bgra[3]) / 255

	var cov float64
	if us.minimal {
		cov = coverageStep(us.threshold-minimalSmoothing, us.threshold, m)
	} else {
		m = clampFloat((m-0.5)*us.contrast+0.5+us.brightness, 0, 1)
		cov = coverageStep(us.threshold-us.smoothing, us.threshold, m)
		if us.spill {
			c = suppressSpill(c, us.spillColor, us.spillStrength)
		}
		c = applyBlend(c, us.blend)
	}

	return toByte(c[2]), toByte(c[1]), toByte(c[0]), toByte(cov * srcA)
}

func coverageStep(edge0, edge1, x float64) float64 {
	if edge1 <= edge0 {
		if x >= edge1 {
			return 1
		}
		return 0
	}
	t := clampFloat((x-edge0)/(edge1-edge0), 0, 1)
	return t * t * (3 - 2*t)
}

func luma(c [3]float64) float64 {
	return 0.299*c[0] + 0.587*c[1] + 0.114*c[2]
}

// suppressSpill desaturates colours that point the same way as the key
// colour in RGB space.
func suppressSpill(c, key [3]float64, strength float64) [3]float64 {
	lc := math.Sqrt(c[0]*c[0] + c[1]*c[1] + c[2]*c[2])
	lk := math.Sqrt(key[0]*key[0] + key[1]*key[1] + key[2]*key[2])
	if lc == 0 || lk == 0 {
		return c
	}
	cos := (c[0]*key[0] + c[1]*key[1] + c[2]*key[2]) / (lc * lk)
	s := strength * coverageStep(0.7, 1.0, cos)
	l := luma(c)
	for i := range c {
		c[i] += (l - c[i]) * s
	}
	return c
}

func applyBlend(c [3]float64, mode BlendMode) [3]float64 {
	for i, v := range c {
		switch mode {
		case BlendMultiply:
			c[i] = v * v
		case BlendScreen:
			c[i] = 1 - (1-v)*(1-v)
		case BlendOverlay:
			if v <= 0.5 {
				c[i] = 2 * v * v
			} else {
				c[i] = 1 - 2*(1-v)*(1-v)
			}
		}
	}
	return c
}

func toByte(v float64) byte {
	return byte(clampFloat(v, 0, 1)*255 + 0.5)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
