// Package config provides the configuration structure for the studio-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Default values applied by ApplyDefaults.
const (
	defaultListenAddress     = ":8000"
	defaultGinMode           = "release"
	defaultShutdownSeconds   = 15
	defaultMaxUploadMB       = 50
	defaultProviderBaseURL   = "https://api.elevenlabs.io"
	defaultComposePath       = "/v1/music/detailed"
	defaultSubscriptionPath  = "/v1/user/subscription"
	defaultAPIKeyEnv         = "ELEVENLABS_API_KEY"
	defaultVocalGender       = "female"
	defaultProviderTimeout   = 300
	defaultEngineBinary      = "rvc"
	defaultModelPath         = "assets/weights/default.pth"
	defaultIndexPath         = "assets/indices/default.index"
	defaultEngineTimeout     = 600
	defaultWorkers           = 2
	defaultQueueSize         = 16
	defaultDeliveryFormat    = "mp3"
	defaultFFmpegBinary      = "ffmpeg"
	defaultMP3Quality        = 2
	defaultSweepIntervalSecs = 60
	defaultArtifactsBackend  = BackendFilesystem
	defaultArtifactsDir      = "artifacts"
	defaultBucket            = "STUDIO_ARTIFACTS"
	defaultEventsSubject     = "studio.jobs"
	defaultBaseLogsDir       = "logs"
	defaultTelemetryExporter = ExporterNone
	defaultExportInterval    = 60
	defaultServiceName       = "studio-service"
	maxMP3Quality            = 9
	bytesPerMegabyte         = 1 << 20
)

// Artifact storage backends.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendNATS       = "nats"
)

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

var (
	// ErrInvalidConfig indicates that the loaded configuration is inconsistent.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddress          string `toml:"listen_address"`
	GinMode                string `toml:"gin_mode"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	MaxUploadMB            int    `toml:"max_upload_mb"`
	EnableServerTiming     bool   `toml:"enable_server_timing"`
}

// CompositionConfig holds the remote music provider settings.
type CompositionConfig struct {
	BaseURL            string `toml:"base_url"`
	APIKeyEnv          string `toml:"api_key_env"`
	ComposePath        string `toml:"compose_path"`
	StatusPath         string `toml:"status_path"`
	AudioPath          string `toml:"audio_path"`
	SubscriptionPath   string `toml:"subscription_path"`
	DefaultVocalGender string `toml:"default_vocal_gender"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
}

// ConversionConfig holds the local voice conversion engine and worker pool settings.
type ConversionConfig struct {
	EngineBinary   string `toml:"engine_binary"`
	ModelPath      string `toml:"model_path"`
	IndexPath      string `toml:"index_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Workers        int    `toml:"workers"`
	QueueSize      int    `toml:"queue_size"`
	TempDir        string `toml:"temp_dir"`
	DeliveryFormat string `toml:"delivery_format"`
}

// TranscoderConfig holds the ffmpeg settings. MP3Quality is a pointer so that an
// explicit 0, ffmpeg's best VBR quality, is kept by ApplyDefaults.
type TranscoderConfig struct {
	FFmpegBinary string `toml:"ffmpeg_binary"`
	MP3Quality   *int   `toml:"mp3_quality"`
}

// JobsConfig holds job retention settings.
type JobsConfig struct {
	RetentionMinutes     int `toml:"retention_minutes"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// ArtifactsConfig selects where finished artifacts are kept.
type ArtifactsConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	Bucket  string `toml:"bucket"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables NATS and an
// empty IntakeSubject disables the request/reply conversion intake.
type NATSConfig struct {
	URL           string `toml:"url"`
	EventsSubject string `toml:"events_subject"`
	IntakeSubject string `toml:"intake_subject"`
}

// TelemetryConfig selects where traces and metrics are exported. The SDK
// providers are installed even with the none exporter.
type TelemetryConfig struct {
	Exporter              string `toml:"exporter"`
	ServiceName           string `toml:"service_name"`
	ExportIntervalSeconds int    `toml:"export_interval_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Composition CompositionConfig `toml:"composition"`
	Conversion  ConversionConfig  `toml:"conversion"`
	Transcoder  TranscoderConfig  `toml:"transcoder"`
	Jobs        JobsConfig        `toml:"jobs"`
	Artifacts   ArtifactsConfig   `toml:"artifacts"`
	NATS        NATSConfig        `toml:"nats"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Paths       PathsConfig       `toml:"paths"`
}

// Load loads the configuration for the studio-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func orDefault[T comparable](value *T, fallback T) {
	var zero T
	if *value == zero {
		*value = fallback
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	orDefault(&c.Server.ListenAddress, defaultListenAddress)
	orDefault(&c.Server.GinMode, defaultGinMode)
	orDefault(&c.Server.ShutdownTimeoutSeconds, defaultShutdownSeconds)
	orDefault(&c.Server.MaxUploadMB, defaultMaxUploadMB)

	orDefault(&c.Composition.BaseURL, defaultProviderBaseURL)
	orDefault(&c.Composition.APIKeyEnv, defaultAPIKeyEnv)
	orDefault(&c.Composition.ComposePath, defaultComposePath)
	orDefault(&c.Composition.SubscriptionPath, defaultSubscriptionPath)
	orDefault(&c.Composition.DefaultVocalGender, defaultVocalGender)
	orDefault(&c.Composition.TimeoutSeconds, defaultProviderTimeout)

	orDefault(&c.Conversion.EngineBinary, defaultEngineBinary)
	orDefault(&c.Conversion.ModelPath, defaultModelPath)
	orDefault(&c.Conversion.IndexPath, defaultIndexPath)
	orDefault(&c.Conversion.TimeoutSeconds, defaultEngineTimeout)
	orDefault(&c.Conversion.Workers, defaultWorkers)
	orDefault(&c.Conversion.QueueSize, defaultQueueSize)
	orDefault(&c.Conversion.DeliveryFormat, defaultDeliveryFormat)

	orDefault(&c.Transcoder.FFmpegBinary, defaultFFmpegBinary)
	if c.Transcoder.MP3Quality == nil {
		quality := defaultMP3Quality
		c.Transcoder.MP3Quality = &quality
	}

	orDefault(&c.Jobs.SweepIntervalSeconds, defaultSweepIntervalSecs)

	orDefault(&c.Artifacts.Backend, defaultArtifactsBackend)
	orDefault(&c.Artifacts.Dir, defaultArtifactsDir)
	orDefault(&c.Artifacts.Bucket, defaultBucket)

	orDefault(&c.NATS.EventsSubject, defaultEventsSubject)

	orDefault(&c.Telemetry.Exporter, defaultTelemetryExporter)
	orDefault(&c.Telemetry.ServiceName, defaultServiceName)
	orDefault(&c.Telemetry.ExportIntervalSeconds, defaultExportInterval)

	orDefault(&c.Paths.BaseLogsDir, defaultBaseLogsDir)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Conversion.Workers < 1:
		return fmt.Errorf("%w: conversion.workers must be positive, got %d", ErrInvalidConfig, c.Conversion.Workers)
	case c.Conversion.QueueSize < 1:
		return fmt.Errorf("%w: conversion.queue_size must be positive, got %d", ErrInvalidConfig, c.Conversion.QueueSize)
	case c.Conversion.DeliveryFormat != "mp3" && c.Conversion.DeliveryFormat != "wav":
		return fmt.Errorf("%w: conversion.delivery_format must be mp3 or wav, got %q", ErrInvalidConfig, c.Conversion.DeliveryFormat)
	case c.Composition.DefaultVocalGender != "male" && c.Composition.DefaultVocalGender != "female":
		return fmt.Errorf("%w: composition.default_vocal_gender must be male or female, got %q",
			ErrInvalidConfig, c.Composition.DefaultVocalGender)
	case c.Transcoder.Quality() < 0 || c.Transcoder.Quality() > maxMP3Quality:
		return fmt.Errorf("%w: transcoder.mp3_quality must be between 0 and %d", ErrInvalidConfig, maxMP3Quality)
	case c.Jobs.RetentionMinutes < 0:
		return fmt.Errorf("%w: jobs.retention_minutes must be non-negative", ErrInvalidConfig)
	case c.Artifacts.Backend != BackendFilesystem && c.Artifacts.Backend != BackendMemory &&
		c.Artifacts.Backend != BackendNATS:
		return fmt.Errorf("%w: unknown artifacts.backend %q", ErrInvalidConfig, c.Artifacts.Backend)
	case c.Artifacts.Backend == BackendNATS && c.NATS.URL == "":
		return fmt.Errorf("%w: artifacts.backend nats requires nats.url", ErrInvalidConfig)
	case c.Telemetry.Exporter != ExporterNone && c.Telemetry.Exporter != ExporterStdout:
		return fmt.Errorf("%w: telemetry.exporter must be none or stdout, got %q", ErrInvalidConfig, c.Telemetry.Exporter)
	case c.Telemetry.ExportIntervalSeconds < 1:
		return fmt.Errorf("%w: telemetry.export_interval_seconds must be positive", ErrInvalidConfig)
	}

	return nil
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the upload size limit in bytes.
func (c *ServerConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * bytesPerMegabyte
}

// Quality returns the ffmpeg VBR quality, or the default when none is set.
func (c *TranscoderConfig) Quality() int {
	if c.MP3Quality == nil {
		return defaultMP3Quality
	}

	return *c.MP3Quality
}

// Timeout returns the provider HTTP timeout.
func (c *CompositionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the per-conversion engine timeout.
func (c *ConversionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Retention returns how long terminal jobs are kept. Zero disables eviction.
func (c *JobsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// ExportInterval returns the metric export period.
func (c *TelemetryConfig) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalSeconds) * time.Second
}

// SweepInterval returns the retention sweep period.
func (c *JobsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
