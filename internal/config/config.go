// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/reframe-api/internal/motion"
	"github.com/maauso/reframe-api/internal/reframe"
	"github.com/maauso/reframe-api/internal/saliency"
)

// Static errors for configuration validation.
var (
	// ErrDetectorURLRequired is returned when DETECTOR_URL is not set.
	ErrDetectorURLRequired = errors.New("config: DETECTOR_URL is required")
	// ErrInvalidConcurrency is returned when DETECTION_CONCURRENCY is outside [1, 32].
	ErrInvalidConcurrency = errors.New("config: DETECTION_CONCURRENCY must be between 1 and 32")
	// ErrInvalidConfidenceFloor is returned when CONFIDENCE_FLOOR is outside (0, 1].
	ErrInvalidConfidenceFloor = errors.New("config: CONFIDENCE_FLOOR must be in (0, 1]")
	// ErrInvalidSampleInterval is returned when SAMPLE_INTERVAL_SEC is not positive.
	ErrInvalidSampleInterval = errors.New("config: SAMPLE_INTERVAL_SEC must be positive")
	// ErrInvalidDetectorKind is returned when DETECTOR_KINDS names an unknown region kind.
	ErrInvalidDetectorKind = errors.New("config: DETECTOR_KINDS contains an unknown kind")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int           `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT, default=30m" json:"job_timeout"`

	// Detector settings
	DetectorURL    string   `env:"DETECTOR_URL, required" json:"detector_url"`
	DetectorAPIKey string   `env:"DETECTOR_API_KEY" json:"-"` // Masked in JSON
	DetectorKinds  []string `env:"DETECTOR_KINDS" json:"detector_kinds,omitempty"`

	// Detection settings
	DetectionConcurrency int           `env:"DETECTION_CONCURRENCY, default=6" json:"detection_concurrency"`
	DetectionMaxRetries  int           `env:"DETECTION_MAX_RETRIES, default=2" json:"detection_max_retries"`
	DetectionBackoff     time.Duration `env:"DETECTION_BACKOFF, default=500ms" json:"detection_backoff"`
	DetectionTimeout     time.Duration `env:"DETECTION_TIMEOUT, default=30s" json:"detection_timeout"`

	// Engine settings
	SampleIntervalSec            float64 `env:"SAMPLE_INTERVAL_SEC, default=2" json:"sample_interval_sec"`
	ConfidenceFloor              float64 `env:"CONFIDENCE_FLOOR, default=0.5" json:"confidence_floor"`
	SnapToCenterDistance         float64 `env:"SNAP_TO_CENTER_DISTANCE, default=0.1" json:"snap_to_center_distance"`
	MotionStabilizationThreshold float64 `env:"MOTION_STABILIZATION_THRESHOLD, default=0.05" json:"motion_stabilization_threshold"`
	DwellFrames                  int     `env:"DWELL_FRAMES, default=3" json:"dwell_frames"`
	MaxVelocity                  float64 `env:"MAX_VELOCITY, default=0.1" json:"max_velocity"`
	SmoothingRadius              int     `env:"SMOOTHING_RADIUS, default=3" json:"smoothing_radius"`

	// Media settings
	MediaConfig
	RenderEnabled bool `env:"RENDER_ENABLED, default=true" json:"render_enabled"`

	// Storage settings
	TempDir    string `env:"TEMP_DIR, default=/tmp/reframe" json:"temp_dir"`
	SourceRoot string `env:"SOURCE_ROOT" json:"source_root,omitempty"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogConfig
}

// LogConfig holds the logging settings shared by the server and the CLI.
type LogConfig struct {
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// LoadOption adjusts how Load reads its settings.
type LoadOption func(overrides map[string]string)

// WithOverride makes Load see value for key, ahead of the environment.
// An empty value leaves the environment in charge.
func WithOverride(key, value string) LoadOption {
	return func(overrides map[string]string) {
		if value != "" {
			overrides[key] = value
		}
	}
}

// MediaConfig holds the ffmpeg settings. It is loaded on its own by tools that
// render without running detection.
type MediaConfig struct {
	FFmpegPath  string `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FFprobePath string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`
	SampleWidth int    `env:"SAMPLE_WIDTH, default=640" json:"sample_width"`
}

// LoadMedia reads only the media settings from the environment.
func LoadMedia() (*MediaConfig, error) {
	cfg := &MediaConfig{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadLog reads only the logging settings from the environment.
func LoadLog() (*LogConfig, error) {
	cfg := &LogConfig{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set or values are out of range.
func Load(opts ...LoadOption) (*Config, error) {
	overrides := make(map[string]string)
	for _, opt := range opts {
		opt(overrides)
	}

	cfg := &Config{}
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.MultiLookuper(envconfig.MapLookuper(overrides), envconfig.OsLookuper()),
	})
	if err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "DETECTOR_URL") {
			return nil, ErrDetectorURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and in range.
func (c *Config) Validate() error {
	if c.DetectorURL == "" {
		return ErrDetectorURLRequired
	}
	if c.DetectionConcurrency < 1 || c.DetectionConcurrency > reframe.MaxConcurrency {
		return ErrInvalidConcurrency
	}
	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		return ErrInvalidConfidenceFloor
	}
	if c.SampleIntervalSec <= 0 {
		return ErrInvalidSampleInterval
	}
	if _, err := c.Kinds(); err != nil {
		return err
	}
	return nil
}

// Kinds returns the region kinds requested from the detector.
// An empty DETECTOR_KINDS leaves the choice to the detector.
func (c *Config) Kinds() ([]saliency.Kind, error) {
	kinds := make([]saliency.Kind, 0, len(c.DetectorKinds))
	for _, raw := range c.DetectorKinds {
		k, err := saliency.ParseKind(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDetectorKind, raw)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// EngineOptions maps the engine settings onto reframe.Options.
func (c *Config) EngineOptions() reframe.Options {
	return reframe.Options{
		ConfidenceFloor: c.ConfidenceFloor,
		Motion: motion.Options{
			SnapToCenterDistance:         c.SnapToCenterDistance,
			MotionStabilizationThreshold: c.MotionStabilizationThreshold,
			DwellFrames:                  c.DwellFrames,
			MaxVelocity:                  c.MaxVelocity,
			WindowRadius:                 c.SmoothingRadius,
		},
		Concurrency:   c.DetectionConcurrency,
		MaxRetries:    c.DetectionMaxRetries,
		Backoff:       c.DetectionBackoff,
		DetectTimeout: c.DetectionTimeout,
	}
}

// NewLogger creates a structured logger writing to stdout.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *LogConfig) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger with the output chosen by the caller.
func (c *LogConfig) NewLoggerTo(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	apiKey := ""
	if c.DetectorAPIKey != "" {
		apiKey = "***"
	}
	return fmt.Sprintf(
		"Config{Port: %d, DetectorURL: %s, DetectorAPIKey: %s, DetectionConcurrency: %d, DetectionMaxRetries: %d, SampleIntervalSec: %g, ConfidenceFloor: %g, RenderEnabled: %t, TempDir: %s, SourceRoot: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DetectorURL,
		apiKey,
		c.DetectionConcurrency,
		c.DetectionMaxRetries,
		c.SampleIntervalSec,
		c.ConfidenceFloor,
		c.RenderEnabled,
		c.TempDir,
		c.SourceRoot,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
