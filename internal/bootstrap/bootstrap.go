// Package bootstrap provides dependency initialization for the reframe API.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/reframe-api/internal/config"
	"github.com/maauso/reframe-api/internal/detector"
	"github.com/maauso/reframe-api/internal/job"
	"github.com/maauso/reframe-api/internal/media"
	"github.com/maauso/reframe-api/internal/metrics"
	"github.com/maauso/reframe-api/internal/reframe"
	"github.com/maauso/reframe-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server and the CLI.
type Dependencies struct {
	Service   *job.ReframeService
	Engine    *reframe.Engine
	Processor *media.FFmpegProcessor
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine, processor, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []job.ServiceOption{
		job.WithSourceRoot(cfg.SourceRoot),
		job.WithJobTimeout(cfg.JobTimeout),
		job.WithDefaultSampleInterval(cfg.SampleIntervalSec),
	}
	if cfg.RenderEnabled {
		opts = append(opts, job.WithRenderer(processor))
	}

	svc := job.NewReframeService(job.NewMemoryRepository(), engine, store, logger, opts...)

	return &Dependencies{
		Service:   svc,
		Engine:    engine,
		Processor: processor,
	}, nil
}

// NewEngine builds the detector client, the ffmpeg processor and the engine that joins them.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*reframe.Engine, *media.FFmpegProcessor, error) {
	kinds, err := cfg.Kinds()
	if err != nil {
		return nil, nil, err
	}

	detectorOpts := []detector.ClientOption{detector.WithAPIKey(cfg.DetectorAPIKey)}
	if len(kinds) > 0 {
		detectorOpts = append(detectorOpts, detector.WithKinds(kinds...))
	}
	client, err := detector.NewClient(cfg.DetectorURL, detectorOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create detector client: %w", err)
	}

	processor := NewProcessor(&cfg.MediaConfig)

	engine := reframe.NewEngine(processor, client,
		reframe.WithOptions(cfg.EngineOptions()),
		reframe.WithLogger(logger),
		reframe.WithObserver(metrics.NewEngineObserver()),
	)
	return engine, processor, nil
}

// NewProcessor creates the ffmpeg processor used for sampling and rendering.
func NewProcessor(cfg *config.MediaConfig) *media.FFmpegProcessor {
	return media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithSampleWidth(cfg.SampleWidth),
	)
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
