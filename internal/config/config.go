package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Buffer        BufferConfig        `yaml:"buffer"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and configures the span store backend. "postgres" is
// the production target (a TimescaleDB-enabled Postgres); "sqlite" backs
// single-binary development and the test suite.
type StorageConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days"`
}

// BufferConfig tunes the write buffer and database writer.
type BufferConfig struct {
	MaxSize                int     `yaml:"max_size"`
	WriteBatchSize         int     `yaml:"write_batch_size"`
	DBRetryIntervalSeconds float64 `yaml:"db_retry_interval_seconds"`
	ShutdownDrainSeconds   float64 `yaml:"shutdown_drain_seconds"`
}

// RateLimitConfig guards the ingestion endpoint with a token bucket per
// client address (the leftmost X-Forwarded-For entry when present, else the
// remote address), supplementing the dropped middleware.py behavior.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "hikari-collector"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			Path:          "./data/hikari.db",
			RetentionDays: 30,
		},
		Buffer: BufferConfig{
			MaxSize:                50_000,
			WriteBatchSize:         500,
			DBRetryIntervalSeconds: 10,
			ShutdownDrainSeconds:   30,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}
	if cfg.Storage.RetentionDays < 1 || cfg.Storage.RetentionDays > 365 {
		return fmt.Errorf("storage.retention_days must be between 1 and 365 (got %d)", cfg.Storage.RetentionDays)
	}

	if cfg.Buffer.MaxSize < 1000 || cfg.Buffer.MaxSize > 1_000_000 {
		return fmt.Errorf("buffer.max_size must be between 1000 and 1000000 (got %d)", cfg.Buffer.MaxSize)
	}
	if cfg.Buffer.WriteBatchSize <= 0 || cfg.Buffer.WriteBatchSize > cfg.Buffer.MaxSize {
		return fmt.Errorf("buffer.write_batch_size must be > 0 and <= buffer.max_size (got %d)", cfg.Buffer.WriteBatchSize)
	}
	if cfg.Buffer.DBRetryIntervalSeconds < 1 || cfg.Buffer.DBRetryIntervalSeconds > 300 {
		return fmt.Errorf("buffer.db_retry_interval_seconds must be between 1 and 300 (got %v)", cfg.Buffer.DBRetryIntervalSeconds)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be > 0 (got %v)", cfg.RateLimit.RequestsPerSecond)
		}
		if cfg.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be > 0 (got %d)", cfg.RateLimit.BurstSize)
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("HIKARI_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("HIKARI_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if driver := os.Getenv("HIKARI_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("HIKARI_STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if dsn := os.Getenv("HIKARI_DATABASE_URL"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if retention := os.Getenv("HIKARI_RETENTION_DAYS"); retention != "" {
		v, err := strconv.Atoi(retention)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_RETENTION_DAYS: %w", err)
		}
		cfg.Storage.RetentionDays = v
	}

	if maxSize := os.Getenv("HIKARI_BUFFER_MAX_SIZE"); maxSize != "" {
		v, err := strconv.Atoi(maxSize)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_BUFFER_MAX_SIZE: %w", err)
		}
		cfg.Buffer.MaxSize = v
	}
	if retryInterval := os.Getenv("HIKARI_DB_RETRY_INTERVAL_SECONDS"); retryInterval != "" {
		v, err := strconv.ParseFloat(retryInterval, 64)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_DB_RETRY_INTERVAL_SECONDS: %w", err)
		}
		cfg.Buffer.DBRetryIntervalSeconds = v
	}

	if rlEnabled := os.Getenv("HIKARI_RATE_LIMIT_ENABLED"); rlEnabled != "" {
		v, err := strconv.ParseBool(rlEnabled)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_RATE_LIMIT_ENABLED: %w", err)
		}
		cfg.RateLimit.Enabled = v
	}
	if rps := os.Getenv("HIKARI_RATE_LIMIT_REQUESTS_PER_SECOND"); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_RATE_LIMIT_REQUESTS_PER_SECOND: %w", err)
		}
		cfg.RateLimit.RequestsPerSecond = v
	}
	if burst := os.Getenv("HIKARI_RATE_LIMIT_BURST_SIZE"); burst != "" {
		v, err := strconv.Atoi(burst)
		if err != nil {
			return fmt.Errorf("invalid HIKARI_RATE_LIMIT_BURST_SIZE: %w", err)
		}
		cfg.RateLimit.BurstSize = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
