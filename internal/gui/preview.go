// Package gui shows the filter output in a fyne window with live controls.
package gui

import (
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	"github.com/sirupsen/logrus"

	"background-removal-filter/internal/config"
	"background-removal-filter/internal/core"
	"background-removal-filter/internal/pixbuf"
)

// Filter is the part of core.Filter the preview drives.
type Filter interface {
	OnSettingsChanged(config.Settings) error
	Stats() core.Stats
}

// Preview is the main window: the composited output over a checker
// background, the control panel and a stats line.
type Preview struct {
	app    fyne.App
	window fyne.Window
	filter Filter
	logger logrus.FieldLogger

	output   *canvas.Image
	controls *ControlPanel
	stats    *widget.Label

	presented atomic.Uint64
	pending   atomic.Bool
}

func NewPreview(app fyne.App, filter Filter, settings config.Settings, logger logrus.FieldLogger) *Preview {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	window := app.NewWindow("Background Removal")
	window.Resize(fyne.NewSize(1280, 800))

	p := &Preview{
		app:    app,
		window: window,
		filter: filter,
		logger: logger.WithField("component", "preview"),
	}

	p.output = canvas.NewImageFromImage(placeholder(640, 360))
	p.output.FillMode = canvas.ImageFillContain
	p.controls = NewControlPanel(settings, filter.OnSettingsChanged, p.logger)
	p.stats = widget.NewLabel("Waiting for frames")

	checker := canvas.NewRasterWithPixels(checkerPixel)
	view := container.NewStack(checker, p.output)
	split := container.NewHSplit(
		container.NewBorder(nil, p.stats, nil, nil, view),
		container.NewScroll(p.controls.GetContainer()),
	)
	split.SetOffset(0.75)
	window.SetContent(split)
	return p
}

func checkerPixel(x, y, _, _ int) color.Color {
	if (x/16+y/16)%2 == 0 {
		return color.Gray{Y: 0x99}
	}
	return color.Gray{Y: 0x66}
}

func placeholder(w, h int) image.Image {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// Present shows frame. It copies the pixels, so the caller may reuse frame
// as soon as Present returns. Frames arriving while the UI is still drawing
// the previous one are skipped.
func (p *Preview) Present(frame *pixbuf.Buffer) {
	if frame == nil || !p.pending.CompareAndSwap(false, true) {
		return
	}
	img := frame.ToImage()
	p.presented.Add(1)

	fyne.Do(func() {
		p.output.Image = img
		p.output.Refresh()
		p.pending.Store(false)
	})
}

// Presented counts the frames handed to the UI.
func (p *Preview) Presented() uint64 {
	return p.presented.Load()
}

// RefreshStats updates the stats line from the filter.
func (p *Preview) RefreshStats() {
	text := FormatStats(p.filter.Stats())
	fyne.Do(func() {
		p.stats.SetText(text)
	})
}

// FormatStats renders the one-line summary shown under the preview.
func FormatStats(st core.Stats) string {
	frame := st.Stages["frame"]
	return fmt.Sprintf(
		"%s | frames %d (masked %d, pass-through %d) | inference %d ok / %d dropped, avg %s | frame avg %s | mask %s",
		st.State, st.Frames, st.Composited, st.Passthrough,
		st.Scheduler.Published, st.Scheduler.Dropped,
		st.Scheduler.AverageLatency.Round(time.Millisecond),
		frame.Average.Round(10*time.Microsecond),
		st.Masks.Quality,
	)
}

// ShowAndRun blocks until the window is closed. onClose runs on the UI
// goroutine before the app quits.
func (p *Preview) ShowAndRun(onClose func()) {
	p.window.SetOnClosed(func() {
		p.logger.Info("preview closed")
		if onClose != nil {
			onClose()
		}
	})
	p.window.ShowAndRun()
}

// Close closes the window from any goroutine.
func (p *Preview) Close() {
	fyne.Do(func() {
		p.window.Close()
	})
}

func (p *Preview) Controls() *ControlPanel {
	return p.controls
}
