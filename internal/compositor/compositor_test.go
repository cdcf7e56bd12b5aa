package compositor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/transfer"
)

type fixture struct {
	dev  *gfx.Device
	comp *Compositor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := gfx.NewDevice(nil)
	dev.Enter()
	t.Cleanup(dev.Leave)

	comp, err := New(dev, transfer.New(dev, nil), nil)
	require.NoError(t, err)
	return &fixture{dev: dev, comp: comp}
}

func (f *fixture) source(t *testing.T, w, h int, bgra [4]byte) *gfx.Texture {
	t.Helper()
	tex, err := f.dev.CreateTexture(w, h, pixbuf.BGRA8)
	require.NoError(t, err)
	pix := tex.Pix()
	for i := 0; i < len(pix); i += 4 {
		copy(pix[i:i+4], bgra[:])
	}
	return tex
}

func uniformMask(t *testing.T, w, h int, v byte) *pixbuf.Buffer {
	t.Helper()
	m, err := pixbuf.New(w, h, pixbuf.A8)
	require.NoError(t, err)
	for i := range m.Pix() {
		m.Pix()[i] = v
	}
	return m
}

func assertPixel(t *testing.T, tex *gfx.Texture, want [4]byte) {
	t.Helper()
	got := tex.Pix()[:4]
	for i := range want {
		assert.InDelta(t, int(want[i]), int(got[i]), 1, "channel %d: got %v want %v", i, got, want)
	}
}

func TestShaderDeclaresRequiredParams(t *testing.T) {
	src := ShaderSource()
	for _, want := range []string{"@vertex", "@fragment", "vs_main", "fs_main", "CompositeParams", "BLEND_MULTIPLY"} {
		assert.True(t, strings.Contains(src, want), "shader missing %q", want)
	}
	for _, name := range RequiredParams {
		assert.Contains(t, src, name+":")
	}
}

func TestMissingParamIsFatal(t *testing.T) {
	dev := gfx.NewDevice(nil)
	dev.Enter()
	defer dev.Leave()

	source := strings.Replace(ShaderSource(), "    spill_strength: f32,\n", "", 1)
	source = strings.ReplaceAll(source, "params.spill_strength", "0.5")

	_, err := newWithSource(dev, transfer.New(dev, nil), nil, source)
	assert.ErrorIs(t, err, gfx.ErrShaderParamMissing)
	assert.Equal(t, int64(0), dev.Stats().LivePrograms())
}

func TestPassThroughWithoutMask(t *testing.T) {
	f := newFixture(t)
	board, err := pixbuf.Checkerboard(16, 9, 3)
	require.NoError(t, err)

	src, err := f.dev.CreateTexture(16, 9, pixbuf.BGRA8)
	require.NoError(t, err)
	require.NoError(t, src.Write(board))

	out, err := f.comp.Render(src, DefaultParams(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, board.Pix(), out.Pix())
	assert.Equal(t, uint64(1), f.comp.Stats().Passthrough)
	assert.Equal(t, uint64(0), f.comp.Stats().Draws)
}

func TestBlendModes(t *testing.T) {
	// Source pixel (R,G,B) = (200,100,50), stored BGRA.
	srcPix := [4]byte{50, 100, 200, 255}

	cases := []struct {
		mode BlendMode
		want [4]byte
	}{
		{BlendNormal, [4]byte{50, 100, 200, 255}},
		{BlendMultiply, [4]byte{10, 39, 157, 255}},
		{BlendScreen, [4]byte{90, 161, 243, 255}},
		{BlendOverlay, [4]byte{20, 78, 231, 255}},
	}

	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			f := newFixture(t)
			src := f.source(t, 1, 1, srcPix)
			mask := uniformMask(t, 1, 1, 255)

			p := DefaultParams()
			p.Threshold = 0.5
			p.Blend = tc.mode
			p.Technique = TechniqueFast

			out, err := f.comp.Render(src, p, mask, 1)
			require.NoError(t, err)
			assertPixel(t, out, tc.want)
		})
	}
}

func TestMinimalProfileUsesFixedWindow(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, 2, 2, [4]byte{50, 100, 200, 255})
	// 115/255 is about 0.451, halfway through smoothstep(0.4, 0.5).
	mask := uniformMask(t, 2, 2, 115)

	p := DefaultParams()
	p.Profile = ProfileMinimal
	p.Blend = BlendMultiply
	p.EdgeSmoothing = 0
	p.Technique = TechniqueFast

	out, err := f.comp.Render(src, p, mask, 1)
	require.NoError(t, err)
	got := out.Pix()
	assert.Equal(t, []byte{50, 100, 200}, got[:3], "minimal profile leaves colour alone")
	assert.InDelta(t, 132, int(got[3]), 3)
}

func TestHardThresholdWithoutSmoothing(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, 2, 1, [4]byte{1, 2, 3, 200})
	mask, err := pixbuf.Wrap(2, 1, pixbuf.A8, []byte{127, 128})
	require.NoError(t, err)

	p := DefaultParams()
	p.EdgeSmoothing = 0
	p.Technique = TechniqueFast
	p.Threshold = 0.5

	out, err := f.comp.Render(src, p, mask, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), out.Pix()[3])
	assert.Equal(t, byte(200), out.Pix()[7])
}

func TestTechniqueSoftensEdges(t *testing.T) {
	mask, err := pixbuf.Wrap(8, 1, pixbuf.A8, []byte{0, 0, 0, 0, 255, 255, 255, 255})
	require.NoError(t, err)

	alphaAt := func(tech Technique) byte {
		f := newFixture(t)
		src := f.source(t, 8, 1, [4]byte{10, 20, 30, 255})
		p := DefaultParams()
		p.Threshold = 0.3
		p.EdgeSmoothing = 0.1
		p.Technique = tech
		out, err := f.comp.Render(src, p, mask, 1)
		require.NoError(t, err)
		return out.Pix()[3*4+3]
	}

	assert.Equal(t, byte(0), alphaAt(TechniqueFast))
	assert.Equal(t, byte(255), alphaAt(TechniqueQuality))
}

func TestSpillSuppression(t *testing.T) {
	f := newFixture(t)
	// Greenish fringe pixel, RGB (80,200,80).
	src := f.source(t, 1, 1, [4]byte{80, 200, 80, 255})
	mask := uniformMask(t, 1, 1, 255)

	p := DefaultParams()
	p.Technique = TechniqueFast
	p.SpillEnable = true
	p.SpillStrength = 1
	p.SpillColor = 0x00ff00

	out, err := f.comp.Render(src, p, mask, 1)
	require.NoError(t, err)
	got := out.Pix()
	assert.Less(t, int(got[1]), 200, "green reduced")
	assert.Greater(t, int(got[2]), 80, "red raised towards luma")

	// Skin tone is far from the key and stays put.
	skin := f.source(t, 1, 1, [4]byte{130, 160, 220, 255})
	out, err = f.comp.Render(skin, p, mask, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{130, 160, 220, 255}, out.Pix()[:4])
}

func TestMaskTextureCachedAcrossFrames(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, 4, 4, [4]byte{1, 2, 3, 255})
	mask := uniformMask(t, 4, 4, 255)

	for i := 0; i < 3; i++ {
		_, err := f.comp.Render(src, DefaultParams(), mask, 7)
		require.NoError(t, err)
	}
	stats := f.comp.Stats()
	assert.Equal(t, uint64(1), stats.MaskTextureAllocs)
	assert.Equal(t, uint64(1), stats.MaskUploads)
	assert.Equal(t, uint64(1), stats.OutputAllocs)
	assert.Equal(t, uint64(1), stats.ParamUpdates)
	assert.Equal(t, uint64(3), stats.Draws)

	_, err := f.comp.Render(src, DefaultParams(), mask, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.comp.Stats().MaskUploads)
	assert.Equal(t, uint64(1), f.comp.Stats().MaskTextureAllocs)

	bigger := f.source(t, 8, 4, [4]byte{1, 2, 3, 255})
	_, err = f.comp.Render(bigger, DefaultParams(), mask, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.comp.Stats().MaskTextureAllocs)
	assert.Equal(t, uint64(3), f.comp.Stats().MaskUploads)
}

func TestIdenticalParamsGiveIdenticalOutput(t *testing.T) {
	f := newFixture(t)
	board, err := pixbuf.Checkerboard(12, 12, 2)
	require.NoError(t, err)
	src, err := f.dev.CreateTexture(12, 12, pixbuf.BGRA8)
	require.NoError(t, err)
	require.NoError(t, src.Write(board))

	mask, err := pixbuf.Checkerboard(12, 12, 3)
	require.NoError(t, err)
	alpha, err := pixbuf.New(12, 12, pixbuf.A8)
	require.NoError(t, err)
	for i := range alpha.Pix() {
		alpha.Pix()[i] = mask.Pix()[i*4]
	}

	p := DefaultParams()
	p.Technique = TechniqueQuality
	p.Blend = BlendOverlay

	first, err := f.comp.Render(src, p, alpha, 1)
	require.NoError(t, err)
	want := append([]byte(nil), first.Pix()...)

	second, err := f.comp.Render(src, p, alpha, 1)
	require.NoError(t, err)
	assert.Equal(t, want, second.Pix())
}

func TestReleaseReturnsDeviceObjects(t *testing.T) {
	f := newFixture(t)
	src := f.source(t, 4, 4, [4]byte{1, 2, 3, 255})
	mask := uniformMask(t, 4, 4, 255)
	_, err := f.comp.Render(src, DefaultParams(), mask, 1)
	require.NoError(t, err)
	require.NoError(t, f.dev.DestroyTexture(src))

	require.NoError(t, f.comp.Release())
	stats := f.dev.Stats()
	assert.Equal(t, int64(0), stats.LiveTextures())
	assert.Equal(t, int64(0), stats.LivePrograms())

	_, err = f.comp.Render(src, DefaultParams(), mask, 2)
	assert.ErrorIs(t, err, gfx.ErrDestroyed)
}

func TestParseEnums(t *testing.T) {
	for _, m := range []BlendMode{BlendNormal, BlendMultiply, BlendScreen, BlendOverlay} {
		got, err := ParseBlendMode(strings.ToUpper(m.String()))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseBlendMode("dissolve")
	assert.Error(t, err)

	for _, tech := range []Technique{TechniqueFast, TechniqueBalanced, TechniqueQuality} {
		got, err := ParseTechnique(tech.String())
		require.NoError(t, err)
		assert.Equal(t, tech, got)
	}
	assert.Equal(t, Kernel{Radius: 2, Sigma: 1.5}, TechniqueQuality.Kernel())

	prof, err := ParseProfile("minimal")
	require.NoError(t, err)
	assert.Equal(t, ProfileMinimal, prof)
}
