// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRunPodAPIKeyRequired is returned when RUNPOD_API_KEY is not set
	// while the runpod transcriber provider is selected.
	ErrRunPodAPIKeyRequired = errors.New("config: RUNPOD_API_KEY is required")
	// ErrRunPodEndpointIDRequired is returned when RUNPOD_ENDPOINT_ID is not
	// set while the runpod transcriber provider is selected.
	ErrRunPodEndpointIDRequired = errors.New("config: RUNPOD_ENDPOINT_ID is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// On-disk layout
	AudiosDir         string `env:"AUDIOS_DIR, default=./public/audios" json:"audios_dir"`
	TranscriptionsDir string `env:"TRANSCRIPTIONS_DIR, default=./public/transcriptions" json:"transcriptions_dir"`
	TaskStorePath     string `env:"TASK_STORE_PATH, default=./public/tasks.json" json:"task_store_path"`
	LogFile           string `env:"LOG_FILE" json:"log_file,omitempty"`

	// Scheduling settings
	MaxConcurrentTasks int `env:"MAX_CONCURRENT_TASKS, default=3" json:"max_concurrent_tasks"`
	TaskTimeoutSeconds int `env:"TASK_TIMEOUT_SECONDS, default=600" json:"task_timeout_seconds"`

	// Upload caps
	MaxAudioBytes int64 `env:"MAX_AUDIO_BYTES, default=104857600" json:"max_audio_bytes"`
	MaxVideoBytes int64 `env:"MAX_VIDEO_BYTES, default=524288000" json:"max_video_bytes"`

	// Extraction settings
	ExtractorTimeoutSeconds int `env:"EXTRACTOR_TIMEOUT_SECONDS, default=600" json:"extractor_timeout_seconds"`

	// Transcriber-opaque settings; meaning defined by whichever Transcriber
	// implementation is wired in
	VersionModel string `env:"VERSION_MODEL, default=base" json:"version_model"`
	ForceCPU     bool   `env:"FORCE_CPU, default=false" json:"force_cpu"`

	// Transcriber provider selection: "local", "runpod", or "beam"
	TranscriberProvider string `env:"TRANSCRIBER_PROVIDER, default=local" json:"transcriber_provider"`

	// RunPod settings (required only when TranscriberProvider is "runpod")
	RunPodAPIKey     string `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	RunPodEndpointID string `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`

	// Beam settings (optional; used when TranscriberProvider is "beam")
	BeamToken          string `env:"BEAM_TOKEN" json:"-"`                                              // Masked in JSON
	BeamQueueURL       string `env:"BEAM_QUEUE_URL" json:"beam_queue_url,omitempty"`                   // Task queue webhook URL
	BeamPollIntervalMs int    `env:"BEAM_POLL_INTERVAL_MS, default=5000" json:"beam_poll_interval_ms"` // Default 5s
	BeamPollTimeoutSec int    `env:"BEAM_POLL_TIMEOUT_SEC, default=600" json:"beam_poll_timeout_sec"`  // Default 10min

	// Optional S3 artifact mirror
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// BeamEnabled returns true if Beam configuration is provided.
func (c *Config) BeamEnabled() bool {
	return c.BeamToken != "" && c.BeamQueueURL != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables for the selected transcriber
// provider are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent for the
// selected transcriber provider.
func (c *Config) Validate() error {
	if c.TranscriberProvider == "runpod" {
		if c.RunPodAPIKey == "" {
			return ErrRunPodAPIKeyRequired
		}
		if c.RunPodEndpointID == "" {
			return ErrRunPodEndpointIDRequired
		}
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration. When
// LogFormat is "json" it emits JSON records, otherwise human-readable text.
// Output goes to LogFile when set, falling back to stdout if the file
// cannot be opened.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	out := os.Stdout
	if c.LogFile != "" {
		if f, err := os.OpenFile(c.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil { //nolint:gosec
			out = f
		}
	}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive
// values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AudiosDir: %s, TranscriptionsDir: %s, MaxConcurrentTasks: %d, "+
			"TaskTimeoutSeconds: %d, TranscriberProvider: %s, RunPodEndpointID: %s, S3Bucket: %s, "+
			"S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AudiosDir,
		c.TranscriptionsDir,
		c.MaxConcurrentTasks,
		c.TaskTimeoutSeconds,
		c.TranscriberProvider,
		c.RunPodEndpointID,
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
