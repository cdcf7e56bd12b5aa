package compositor

import (
	"fmt"
	"strings"
)

// BlendMode selects how the kept pixel is composited with itself.
type BlendMode int

const (
	BlendNormal BlendMode = iota
	BlendMultiply
	BlendScreen
	BlendOverlay
)

var blendNames = map[BlendMode]string{
	BlendNormal:   "normal",
	BlendMultiply: "multiply",
	BlendScreen:   "screen",
	BlendOverlay:  "overlay",
}

func (b BlendMode) String() string {
	if s, ok := blendNames[b]; ok {
		return s
	}
	return fmt.Sprintf("blend(%d)", int(b))
}

// ParseBlendMode accepts the names produced by String, case-insensitively.
func ParseBlendMode(s string) (BlendMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range blendNames {
		if name == s {
			return mode, nil
		}
	}
	return BlendNormal, fmt.Errorf("unknown blend mode %q", s)
}

// Technique picks the edge refinement cost of the composite.
type Technique int

const (
	TechniqueFast Technique = iota
	TechniqueBalanced
	TechniqueQuality
)

func (t Technique) String() string {
	switch t {
	case TechniqueFast:
		return "fast"
	case TechniqueBalanced:
		return "balanced"
	case TechniqueQuality:
		return "quality"
	default:
		return fmt.Sprintf("technique(%d)", int(t))
	}
}

// ParseTechnique accepts the names produced by String, case-insensitively.
func ParseTechnique(s string) (Technique, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return TechniqueFast, nil
	case "balanced":
		return TechniqueBalanced, nil
	case "quality":
		return TechniqueQuality, nil
	}
	return TechniqueFast, fmt.Errorf("unknown shader quality mode %q", s)
}

// Kernel is the mask sampling footprint a technique feeds the program.
type Kernel struct {
	Radius int
	Sigma  float32
}

// Kernel returns the sampling preset for t. Unknown techniques fall back to
// Fast.
func (t Technique) Kernel() Kernel {
	switch t {
	case TechniqueBalanced:
		return Kernel{Radius: 1, Sigma: 1.0}
	case TechniqueQuality:
		return Kernel{Radius: 2, Sigma: 1.5}
	default:
		return Kernel{}
	}
}

// Profile selects between the fixed-window composite and the fully
// parameterised one.
type Profile int

const (
	ProfileExtended Profile = iota
	ProfileMinimal
)

func (p Profile) String() string {
	if p == ProfileMinimal {
		return "minimal"
	}
	return "extended"
}

func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "extended", "":
		return ProfileExtended, nil
	case "minimal":
		return ProfileMinimal, nil
	}
	return ProfileExtended, fmt.Errorf("unknown profile %q", s)
}

// Params is one immutable snapshot of the composite inputs.
type Params struct {
	Threshold     float32
	EdgeSmoothing float32
	Contrast      float32
	Brightness    float32
	Blend         BlendMode
	SpillEnable   bool
	SpillStrength float32
	SpillColor    uint32 // 0xRRGGBB
	Technique     Technique
	Profile       Profile
}

// DefaultParams mirrors the filter's default settings.
func DefaultParams() Params {
	return Params{
		Threshold:     0.5,
		EdgeSmoothing: 0.1,
		Contrast:      1.0,
		Brightness:    0.0,
		Blend:         BlendNormal,
		SpillStrength: 0.5,
		SpillColor:    0x00ff00,
		Technique:     TechniqueBalanced,
		Profile:       ProfileExtended,
	}
}

// SpillRGB unpacks the spill colour into [0,1] components.
func (p Params) SpillRGB() [3]float32 {
	return [3]float32{
		float32((p.SpillColor>>16)&0xff) / 255,
		float32((p.SpillColor>>8)&0xff) / 255,
		float32(p.SpillColor&0xff) / 255,
	}
}
