package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maauso/reframe-api/internal/bootstrap"
	"github.com/maauso/reframe-api/internal/config"
	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/reframe"
)

// Static errors for CLI commands.
var (
	// errUnknownFormat is returned for an output format other than json or yaml.
	errUnknownFormat = errors.New("unknown output format")
	// errNoInstructions is returned when there is nothing to render.
	errNoInstructions = errors.New("plan has no crop instructions")
)

type engine interface {
	Run(ctx context.Context, req reframe.Request) (*reframe.Result, error)
}

type renderer interface {
	RenderCrop(ctx context.Context, src, dst string, instructions []crop.Instruction) error
}

// pipeline is an engine with the renderer sharing its ffmpeg settings.
type pipeline struct {
	engine   engine
	renderer renderer
	// interval is the configured sampling interval, used when --interval is not set.
	interval float64
}

// app holds the state shared by all commands. Tests replace the factories.
type app struct {
	verbose     bool
	detectorURL string
	logger      *slog.Logger

	newPipeline func(detectorURL string, logger *slog.Logger) (*pipeline, error)
	newRenderer func() (renderer, error)
}

func newApp() *app {
	return &app{
		logger:      slog.Default(),
		newPipeline: loadPipeline,
		newRenderer: loadRenderer,
	}
}

func loadPipeline(detectorURL string, logger *slog.Logger) (*pipeline, error) {
	cfg, err := config.Load(config.WithOverride("DETECTOR_URL", detectorURL))
	if err != nil {
		return nil, err
	}
	eng, processor, err := bootstrap.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &pipeline{engine: eng, renderer: processor, interval: cfg.SampleIntervalSec}, nil
}

func loadRenderer() (renderer, error) {
	cfg, err := config.LoadMedia()
	if err != nil {
		return nil, err
	}
	return bootstrap.NewProcessor(cfg), nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "reframe",
		Short: "Reframe landscape videos into other aspect ratios",
		Long: "reframe samples a video, detects faces and people through the detection service " +
			"and plans a smooth crop window that keeps them in frame.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logCfg, err := config.LoadLog()
			if err != nil {
				return err
			}
			if a.verbose {
				logCfg.LogLevel = "debug"
			}
			// Logs go to stderr so plans written to stdout stay parseable.
			a.logger = logCfg.NewLoggerTo(cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output (overrides $LOG_LEVEL)")
	root.PersistentFlags().StringVar(&a.detectorURL, "detector-url", "", "detection service URL (default: $DETECTOR_URL)")

	root.AddCommand(newAnalyzeCmd(a))
	root.AddCommand(newRenderCmd(a))
	return root
}

// analysisFlags are the engine settings shared by analyze and render.
type analysisFlags struct {
	aspectRatio     string
	interval        float64
	clipStart       float64
	clipEnd         float64
	snapDistance    float64
	stabilization   float64
	maxVelocity     float64
	confidenceFloor float64
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.aspectRatio, "aspect-ratio", "a", crop.DefaultAspectRatio.String(), "output aspect ratio as W:H")
	fs.Float64Var(&f.interval, "interval", 0, "seconds between sampled frames (default: $SAMPLE_INTERVAL_SEC)")
	fs.Float64Var(&f.clipStart, "clip-start", 0, "start of the analyzed range in seconds")
	fs.Float64Var(&f.clipEnd, "clip-end", 0, "end of the analyzed range in seconds (0 means the end of the video)")
	fs.Float64Var(&f.snapDistance, "snap-distance", 0, "override the snap to center distance")
	fs.Float64Var(&f.stabilization, "stabilization", 0, "override the motion stabilization threshold")
	fs.Float64Var(&f.maxVelocity, "max-velocity", 0, "override the maximum crop velocity")
	fs.Float64Var(&f.confidenceFloor, "confidence-floor", 0, "override the detection confidence floor")
}

func (f *analysisFlags) request(source string, defaultInterval float64, logger *slog.Logger) (reframe.Request, error) {
	aspect, err := crop.ParseAspectRatio(f.aspectRatio)
	if err != nil {
		return reframe.Request{}, err
	}
	if f.clipEnd != 0 && f.clipEnd <= f.clipStart {
		return reframe.Request{}, fmt.Errorf("clip end %.2f must be after clip start %.2f", f.clipEnd, f.clipStart)
	}
	interval := f.interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return reframe.Request{
		Source:         source,
		AspectRatio:    aspect,
		SampleInterval: interval,
		ClipStart:      f.clipStart,
		ClipEnd:        f.clipEnd,
		Tuning: reframe.Tuning{
			SnapToCenterDistance:         f.snapDistance,
			MotionStabilizationThreshold: f.stabilization,
			MaxVelocity:                  f.maxVelocity,
			ConfidenceFloor:              f.confidenceFloor,
		},
		OnProgress: func(p reframe.Progress) {
			logger.Debug("detection progress",
				slog.Int("completed", p.Completed),
				slog.Int("total", p.Total),
			)
		},
	}, nil
}

// runAnalysis runs the engine and logs a summary.
func (a *app) runAnalysis(ctx context.Context, p *pipeline, source string, f *analysisFlags) (*reframe.Result, error) {
	req, err := f.request(source, p.interval, a.logger)
	if err != nil {
		return nil, err
	}

	a.logger.Info("analyzing video",
		slog.String("source", source),
		slog.String("aspect_ratio", req.AspectRatio.String()),
	)
	res, err := p.engine.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", source, err)
	}

	a.logger.Info("analysis complete",
		slog.Int("frames", res.Stats.FramesSampled),
		slog.Int("instructions", len(res.Instructions)),
		slog.Int("degraded_frames", res.Stats.DegradedFrames),
		slog.Float64("elapsed_seconds", res.Stats.ElapsedSeconds),
	)
	if res.Stats.DegradedFrames > 0 {
		a.logger.Warn("some frames had no detection result",
			slog.Any("timestamps", res.DegradedFrames),
		)
	}
	return res, nil
}
