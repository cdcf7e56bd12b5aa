package gui

import (
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/config"
)

// ControlPanel edits a Settings value and reports every change.
type ControlPanel struct {
	settings config.Settings
	logger   logrus.FieldLogger
	onChange func(config.Settings) error

	container *fyne.Container

	threshold      *widget.Slider
	thresholdLabel *widget.Label
	smoothing      *widget.Slider
	contrast       *widget.Slider
	brightness     *widget.Slider
	blend          *widget.Select
	technique      *widget.Select
	quality        *widget.Select
	profile        *widget.Select
	spill          *widget.Check
	spillStrength  *widget.Slider
	status         *widget.Label
}

func NewControlPanel(settings config.Settings, onChange func(config.Settings) error, logger logrus.FieldLogger) *ControlPanel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cp := &ControlPanel{
		settings: settings,
		logger:   logger.WithField("component", "controls"),
		onChange: onChange,
	}
	cp.initializeUI()
	return cp
}

func (cp *ControlPanel) initializeUI() {
	s := cp.settings

	cp.thresholdLabel = widget.NewLabel(fmt.Sprintf("Threshold: %.2f", s.Threshold))
	cp.threshold = cp.slider(0, 1, 0.01, s.Threshold, func(v float64) {
		cp.thresholdLabel.SetText(fmt.Sprintf("Threshold: %.2f", v))
		cp.update(func(s *config.Settings) { s.Threshold = v })
	})
	cp.smoothing = cp.slider(0, 0.5, 0.01, s.EdgeSmoothing, func(v float64) {
		cp.update(func(s *config.Settings) { s.EdgeSmoothing = v })
	})
	cp.contrast = cp.slider(0.1, 4, 0.05, s.MaskContrast, func(v float64) {
		cp.update(func(s *config.Settings) { s.MaskContrast = v })
	})
	cp.brightness = cp.slider(-1, 1, 0.05, s.MaskBrightness, func(v float64) {
		cp.update(func(s *config.Settings) { s.MaskBrightness = v })
	})

	cp.blend = widget.NewSelect([]string{"normal", "multiply", "screen", "overlay"}, func(v string) {
		cp.update(func(s *config.Settings) { s.BlendMode = v })
	})
	cp.blend.SetSelected(s.BlendMode)
	cp.technique = widget.NewSelect([]string{"fast", "balanced", "quality"}, func(v string) {
		cp.update(func(s *config.Settings) { s.ShaderQualityMode = v })
	})
	cp.technique.SetSelected(s.ShaderQualityMode)
	cp.quality = widget.NewSelect([]string{"fast", "balanced", "accurate"}, func(v string) {
		cp.update(func(s *config.Settings) { s.Quality = v })
	})
	cp.quality.SetSelected(s.Quality)
	cp.profile = widget.NewSelect([]string{"extended", "minimal"}, func(v string) {
		cp.update(func(s *config.Settings) { s.Profile = v })
	})
	cp.profile.SetSelected(s.Profile)

	cp.spill = widget.NewCheck("Spill suppression", func(on bool) {
		cp.update(func(s *config.Settings) { s.SpillEnable = on })
	})
	cp.spill.SetChecked(s.SpillEnable)
	cp.spillStrength = cp.slider(0, 1, 0.05, s.SpillStrength, func(v float64) {
		cp.update(func(s *config.Settings) { s.SpillStrength = v })
	})

	cp.status = widget.NewLabel("")

	mask := widget.NewCard("Mask", "", container.NewVBox(
		cp.thresholdLabel, cp.threshold,
		widget.NewLabel("Edge smoothing"), cp.smoothing,
		widget.NewLabel("Contrast"), cp.contrast,
		widget.NewLabel("Brightness"), cp.brightness,
	))
	output := widget.NewCard("Output", "", container.NewVBox(
		widget.NewForm(
			widget.NewFormItem("Blend", cp.blend),
			widget.NewFormItem("Technique", cp.technique),
			widget.NewFormItem("Inference", cp.quality),
			widget.NewFormItem("Profile", cp.profile),
		),
		cp.spill,
		widget.NewLabel("Spill strength"), cp.spillStrength,
	))
	cp.container = container.NewVBox(mask, output, cp.status)
}

// slider builds a slider whose callback only fires for user changes, not
// for the initial value.
func (cp *ControlPanel) slider(lo, hi, step, value float64, onChanged func(float64)) *widget.Slider {
	s := widget.NewSlider(lo, hi)
	s.Step = step
	s.SetValue(value)
	s.OnChanged = onChanged
	return s
}

func (cp *ControlPanel) update(edit func(*config.Settings)) {
	next := cp.settings
	edit(&next)
	if next == cp.settings {
		return
	}
	if cp.onChange != nil {
		if err := cp.onChange(next); err != nil {
			cp.logger.WithError(err).Warn("settings rejected")
			cp.status.SetText("Rejected: " + err.Error())
			return
		}
	}
	cp.settings = next
	cp.status.SetText("")
}

// Settings returns the settings as last accepted.
func (cp *ControlPanel) Settings() config.Settings {
	return cp.settings
}

func (cp *ControlPanel) GetContainer() *fyne.Container {
	return cp.container
}
