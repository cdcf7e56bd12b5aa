// Background removal filter host.
// Reads frames from a camera, video, still image or GStreamer pipeline,
// runs them through the filter and shows the result in a preview window
// or writes it to PNG files.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/theme"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"background-removal-filter/internal/config"
	"background-removal-filter/internal/core"
	"background-removal-filter/internal/gfx"
	"background-removal-filter/internal/gui"
	"background-removal-filter/internal/io"
	"background-removal-filter/internal/pixbuf"
	"background-removal-filter/internal/segment"
	_ "background-removal-filter/internal/segment/opencv"
)

const (
	AppName    = "Background Removal"
	AppID      = "com.strauhmanis.background-removal"
	AppVersion = "1.0.0"
)

type options struct {
	configPath string
	preset     string
	input      string
	gstLaunch  string
	gstWidth   int
	gstHeight  int
	loop       bool
	output     string
	every      int
	frames     int
	fps        float64
	preview    bool
	engine     string
	model      string
	debug      bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "TOML settings file")
	flag.StringVar(&o.preset, "preset", "", "settings preset ("+strings.Join(config.PresetNames(), ", ")+"); overrides -config")
	flag.StringVar(&o.input, "input", "0", "image file, video file or URL, or camera index")
	flag.StringVar(&o.gstLaunch, "gst", "", "GStreamer source description, used instead of -input")
	flag.IntVar(&o.gstWidth, "gst-width", 1280, "frame width negotiated with -gst")
	flag.IntVar(&o.gstHeight, "gst-height", 720, "frame height negotiated with -gst")
	flag.BoolVar(&o.loop, "loop", false, "restart video files at their end")
	flag.StringVar(&o.output, "output", "", "PNG file pattern for composited frames, e.g. out/frame_%05d.png")
	flag.IntVar(&o.every, "every", 1, "write every n-th frame to -output")
	flag.IntVar(&o.frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	flag.Float64Var(&o.fps, "fps", 30, "render rate")
	flag.BoolVar(&o.preview, "preview", true, "show the preview window")
	flag.StringVar(&o.engine, "engine", "", "segmentation engine ("+strings.Join(segment.Names(), ", ")+"); overrides the settings")
	flag.StringVar(&o.model, "model", "", "model file for the dnn engine; overrides the settings")
	flag.BoolVar(&o.debug, "debug", false, "Enable debug mode with verbose logging")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	logger := initLogger(opts.debug)
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"debug_mode": opts.debug,
	}).Info("Starting " + AppName)

	if err := run(opts, logger); err != nil {
		logger.WithError(err).Error("Application failed")
		os.Exit(1)
	}
	logger.Info("Application shutting down gracefully")
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

func loadSettings(opts options, logger *logrus.Logger) (config.Settings, error) {
	var (
		settings config.Settings
		err      error
	)
	if opts.preset != "" {
		settings, err = config.Preset(opts.preset)
	} else {
		settings, err = config.Load(opts.configPath, logger)
	}
	if err != nil {
		return settings, err
	}
	if opts.engine != "" {
		settings.Engine = opts.engine
	}
	if opts.model != "" {
		settings.ModelPath = opts.model
	}
	return settings.Validate()
}

func run(opts options, logger *logrus.Logger) error {
	settings, err := loadSettings(opts, logger)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if !opts.debug {
		logger.SetLevel(settings.LogLevel())
	}
	if opts.fps <= 0 {
		return fmt.Errorf("invalid render rate %v", opts.fps)
	}

	source, err := io.Open(io.OpenOptions{
		Input:   opts.input,
		Capture: io.CaptureOptions{Loop: opts.loop, Pace: true},
		Gst:     io.GstOptions{Launch: opts.gstLaunch, Width: opts.gstWidth, Height: opts.gstHeight},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.WithError(err).Warn("failed to close source")
		}
	}()

	var sink *io.PNGSink
	if opts.output != "" {
		if sink, err = io.NewPNGSink(opts.output, opts.every, logger); err != nil {
			return err
		}
	}

	engine, err := segment.New(settings.Engine, segment.Options{
		ModelPath:  settings.ModelPath,
		ConfigPath: settings.ModelConfig,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	filter, err := core.New(core.Deps{
		Device: gfx.NewDevice(logger),
		Engine: engine,
		Source: source,
		Logger: logger,
	}, settings)
	if err != nil {
		_ = engine.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var preview *gui.Preview
	if opts.preview {
		fyneApp := app.NewWithID(AppID)
		fyneApp.Settings().SetTheme(theme.DefaultTheme())
		preview = gui.NewPreview(fyneApp, filter, settings, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	if runner, ok := source.(io.Runner); ok {
		g.Go(func() error { return runner.Run(gctx) })
	}
	g.Go(func() error {
		defer stop()
		return renderLoop(gctx, filter, source, sink, preview, opts, logger)
	})

	if preview != nil {
		closed := make(chan struct{})
		g.Go(func() error {
			select {
			case <-gctx.Done():
				select {
				case <-closed:
				default:
					preview.Close()
				}
			case <-closed:
			}
			return nil
		})
		preview.ShowAndRun(func() {
			close(closed)
			stop()
		})
	}
	loopErr := g.Wait()

	// Shutdown applies the configured teardown timeout.
	if err := filter.Shutdown(context.Background()); err != nil {
		return errors.Join(loopErr, fmt.Errorf("failed to shut down filter: %w", err))
	}

	fields := statsFields(filter.Stats())
	if sink != nil {
		fields["written"] = sink.Written()
	}
	logger.WithFields(fields).Info("filter finished")
	return loopErr
}

// renderLoop drives the filter at a fixed rate until ctx ends, the source
// runs out or the frame limit is reached.
func renderLoop(ctx context.Context, filter *core.Filter, source io.Source, sink *io.PNGSink,
	preview *gui.Preview, opts options, logger logrus.FieldLogger) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.fps))
	defer ticker.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	runner, _ := source.(io.Runner)
	frames := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-report.C:
			st := filter.Stats()
			logger.WithFields(statsFields(st)).Debug("filter stats")
			if preview != nil {
				preview.RefreshStats()
			}
			continue
		case <-ticker.C:
		}

		out, err := filter.OnFrame()
		if errors.Is(err, core.ErrNotActive) {
			return nil
		}
		if err != nil {
			return err
		}
		if out != nil {
			if err := emit(out, sink, preview); err != nil {
				return err
			}
		}

		frames++
		if opts.frames > 0 && frames >= opts.frames {
			logger.WithField("frames", frames).Info("frame limit reached")
			return nil
		}
		if runner != nil && runner.Ended() {
			logger.WithField("received", runner.Stats().Received).Info("source ended")
			return nil
		}
	}
}

func emit(out *pixbuf.Buffer, sink *io.PNGSink, preview *gui.Preview) error {
	if sink != nil {
		if err := sink.Write(out); err != nil {
			return err
		}
	}
	if preview != nil {
		preview.Present(out)
	}
	return nil
}

func statsFields(st core.Stats) logrus.Fields {
	return logrus.Fields{
		"filter_id":   st.FilterID,
		"state":       st.State.String(),
		"frames":      st.Frames,
		"composited":  st.Composited,
		"passthrough": st.Passthrough,
		"dispatched":  st.Scheduler.Dispatched,
		"published":   st.Scheduler.Published,
		"dropped":     st.Scheduler.Dropped,
		"latency_ms":  st.Scheduler.AverageLatency.Milliseconds(),
		"mask":        st.Masks.Quality,
	}
}
