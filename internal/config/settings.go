// Package config loads and validates the filter settings.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/compositor"
	"background-removal-filter/internal/segment"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Settings is the full set of options the filter and its host read.
type Settings struct {
	Threshold         float64 `toml:"threshold"`
	Quality           string  `toml:"quality"`
	ShaderQualityMode string  `toml:"shader_quality_mode"`
	EdgeSmoothing     float64 `toml:"edge_smoothing"`
	MaskContrast      float64 `toml:"mask_contrast"`
	MaskBrightness    float64 `toml:"mask_brightness"`
	SpillEnable       bool    `toml:"spill_enable"`
	SpillStrength     float64 `toml:"spill_strength"`
	SpillColor        uint32  `toml:"spill_color"`
	BlendMode         string  `toml:"blend_mode"`
	Profile           string  `toml:"profile"`

	// Read by the host, not validated beyond type.
	ThreadPriority string  `toml:"thread_priority"`
	FrameRateCap   float64 `toml:"frame_rate_cap"`
	DebugLevel     string  `toml:"debug_level"`

	Engine          string   `toml:"engine"`
	ModelPath       string   `toml:"model_path"`
	ModelConfig     string   `toml:"model_config"`
	TeardownTimeout Duration `toml:"teardown_timeout"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Threshold:         0.5,
		Quality:           "balanced",
		ShaderQualityMode: "balanced",
		EdgeSmoothing:     0.1,
		MaskContrast:      1.0,
		MaskBrightness:    0.0,
		SpillEnable:       false,
		SpillStrength:     0.5,
		SpillColor:        0x00ff00,
		BlendMode:         "normal",
		Profile:           "extended",
		ThreadPriority:    "normal",
		FrameRateCap:      0,
		DebugLevel:        "info",
		Engine:            "mog2",
		TeardownTimeout:   Duration{5 * time.Second},
	}
}

var ErrUnknownPreset = errors.New("config: unknown preset")

// PresetNames lists the presets accepted by Preset.
func PresetNames() []string {
	return []string{"default", "performance", "quality", "green_screen"}
}

// Preset returns a named settings bundle.
func Preset(name string) (Settings, error) {
	s := Defaults()
	switch name {
	case "default", "":
	case "performance":
		s.Quality = "fast"
		s.ShaderQualityMode = "fast"
		s.EdgeSmoothing = 0.05
		s.FrameRateCap = 15
	case "quality":
		s.Quality = "accurate"
		s.ShaderQualityMode = "quality"
		s.EdgeSmoothing = 0.15
		s.MaskContrast = 1.2
	case "green_screen":
		s.SpillEnable = true
		s.SpillStrength = 0.8
		s.SpillColor = 0x00ff00
		s.Threshold = 0.45
	default:
		return s, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return s, nil
}

// Load reads settings from a TOML file over the defaults. A missing file is
// not an error. Keys the file sets that Settings does not know are logged.
func Load(path string, logger logrus.FieldLogger) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WithField("path", path).Info("settings file not found, using defaults")
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("failed to load settings %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logger.WithField("key", key.String()).Warn("unknown settings key ignored")
	}
	return s.Validate()
}

// Save writes s as TOML.
func Save(path string, s Settings) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return nil
}

// Validate clamps numeric options into range and rejects unknown enum
// values. It returns the corrected copy.
func (s Settings) Validate() (Settings, error) {
	if math.IsNaN(s.Threshold) {
		return s, fmt.Errorf("threshold is NaN")
	}
	s.Threshold = clamp(s.Threshold, 0, 1)
	s.EdgeSmoothing = clamp(s.EdgeSmoothing, 0, 0.5)
	s.MaskContrast = clamp(s.MaskContrast, 0.1, 4)
	s.MaskBrightness = clamp(s.MaskBrightness, -1, 1)
	s.SpillStrength = clamp(s.SpillStrength, 0, 1)
	s.SpillColor &= 0xffffff
	if s.FrameRateCap < 0 {
		s.FrameRateCap = 0
	}

	s.Quality = strings.ToLower(s.Quality)
	if _, err := segment.ParseQuality(s.Quality); err != nil {
		return s, err
	}
	s.ShaderQualityMode = strings.ToLower(s.ShaderQualityMode)
	if _, err := compositor.ParseTechnique(s.ShaderQualityMode); err != nil {
		return s, err
	}
	s.BlendMode = strings.ToLower(s.BlendMode)
	if _, err := compositor.ParseBlendMode(s.BlendMode); err != nil {
		return s, err
	}
	s.Profile = strings.ToLower(s.Profile)
	if _, err := compositor.ParseProfile(s.Profile); err != nil {
		return s, err
	}
	return s, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// CompositeParams converts the settings into a compositor snapshot.
func (s Settings) CompositeParams() (compositor.Params, error) {
	tech, err := compositor.ParseTechnique(s.ShaderQualityMode)
	if err != nil {
		return compositor.Params{}, err
	}
	blend, err := compositor.ParseBlendMode(s.BlendMode)
	if err != nil {
		return compositor.Params{}, err
	}
	profile, err := compositor.ParseProfile(s.Profile)
	if err != nil {
		return compositor.Params{}, err
	}

	return compositor.Params{
		Threshold:     float32(s.Threshold),
		EdgeSmoothing: float32(s.EdgeSmoothing),
		Contrast:      float32(s.MaskContrast),
		Brightness:    float32(s.MaskBrightness),
		Blend:         blend,
		SpillEnable:   s.SpillEnable,
		SpillStrength: float32(s.SpillStrength),
		SpillColor:    s.SpillColor & 0xffffff,
		Technique:     tech,
		Profile:       profile,
	}, nil
}

// InferenceQuality returns the configured segmentation quality.
func (s Settings) InferenceQuality() (segment.Quality, error) {
	return segment.ParseQuality(s.Quality)
}

// MinDispatchInterval is the shortest gap between two inference dispatches
// implied by the frame-rate cap. Zero means uncapped.
func (s Settings) MinDispatchInterval() time.Duration {
	if s.FrameRateCap <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.FrameRateCap)
}

// LogLevel maps debug_level onto a logrus level, defaulting to info.
func (s Settings) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(s.DebugLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
