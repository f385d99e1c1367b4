package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server.host=%q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("server.port=%d, want 8000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.RetentionDays != 30 {
		t.Fatalf("storage.retention_days=%d, want 30", cfg.Storage.RetentionDays)
	}
	if cfg.Buffer.MaxSize != 50_000 {
		t.Fatalf("buffer.max_size=%d, want 50000", cfg.Buffer.MaxSize)
	}
	if cfg.Buffer.DBRetryIntervalSeconds != 10 {
		t.Fatalf("buffer.db_retry_interval_seconds=%v, want 10", cfg.Buffer.DBRetryIntervalSeconds)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatalf("rate_limit.enabled=%v, want true", cfg.RateLimit.Enabled)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 {
		t.Fatalf("rate_limit.requests_per_second=%v, want 100", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.BurstSize != 200 {
		t.Fatalf("rate_limit.burst_size=%d, want 200", cfg.RateLimit.BurstSize)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "localhost:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want %q", cfg.Observability.OTel.Endpoint, "localhost:4318")
	}
	if cfg.Observability.OTel.ServiceName != "hikari-collector" {
		t.Fatalf("observability.otel.service_name=%q, want %q", cfg.Observability.OTel.ServiceName, "hikari-collector")
	}
	if cfg.Server.Address() != "0.0.0.0:8000" {
		t.Fatalf("server address=%q, want 0.0.0.0:8000", cfg.Server.Address())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hikari.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
  retention_days: 14
buffer:
  max_size: 75000
  write_batch_size: 250
  db_retry_interval_seconds: 5
  shutdown_drain_seconds: 15
rate_limit:
  enabled: true
  requests_per_second: 50
  burst_size: 100
observability:
  otel:
    enabled: false
    endpoint: localhost:4318
    insecure: true
    service_name: yaml-collector
    traces_enabled: true
    metrics_enabled: true
    sampling_ratio: 0.25
    export_timeout_ms: 2000
    metric_export_interval_ms: 15000
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HIKARI_PORT", "7070")
	t.Setenv("HIKARI_RETENTION_DAYS", "21")
	t.Setenv("HIKARI_RATE_LIMIT_BURST_SIZE", "500")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "env-collector")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server.host=%q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, want 7070 (env override)", cfg.Server.Port)
	}
	if cfg.Storage.Path != "/tmp/custom.db" {
		t.Fatalf("storage.path=%q, want yaml value", cfg.Storage.Path)
	}
	if cfg.Storage.RetentionDays != 21 {
		t.Fatalf("storage.retention_days=%d, want 21 (env override)", cfg.Storage.RetentionDays)
	}
	if cfg.Buffer.MaxSize != 75000 {
		t.Fatalf("buffer.max_size=%d, want yaml value 75000", cfg.Buffer.MaxSize)
	}
	if cfg.Buffer.WriteBatchSize != 250 {
		t.Fatalf("buffer.write_batch_size=%d, want yaml value 250", cfg.Buffer.WriteBatchSize)
	}
	if cfg.RateLimit.BurstSize != 500 {
		t.Fatalf("rate_limit.burst_size=%d, want 500 (env override)", cfg.RateLimit.BurstSize)
	}
	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true (env override)", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want env override", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.ServiceName != "env-collector" {
		t.Fatalf("observability.otel.service_name=%q, want env override", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.75 {
		t.Fatalf("observability.otel.sampling_ratio=%v, want env override", cfg.Observability.OTel.SamplingRatio)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want parse error")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Fatalf("error=%q, want parse yaml message", err.Error())
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid-field.yaml")
	configYAML := `storage:
  driver: sqlite
  path: ./data/hikari.db
  unexpected_field: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want unknown-field parse error")
	}
	if !strings.Contains(err.Error(), "field unexpected_field not found") {
		t.Fatalf("error=%q, want unknown-field message", err.Error())
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "multi-doc.yaml")
	configYAML := `server:
  host: 127.0.0.1
---
storage:
  driver: sqlite
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want multi-document parse error")
	}
	if !strings.Contains(err.Error(), "multiple yaml documents are not supported") {
		t.Fatalf("error=%q, want multi-document message", err.Error())
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("HIKARI_PORT", "not-a-number")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want invalid env error")
	}
	if !strings.Contains(err.Error(), "invalid HIKARI_PORT") {
		t.Fatalf("error=%q, want HIKARI_PORT validation message", err.Error())
	}
}

func TestLoadInvalidOTELEnvReturnsError(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "not-a-number")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want invalid env error")
	}
	if !strings.Contains(err.Error(), "invalid OTEL_TRACES_SAMPLER_ARG") {
		t.Fatalf("error=%q, want OTEL_TRACES_SAMPLER_ARG validation message", err.Error())
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_SERVICE_NAME", "otel-service-name")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "otlp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true when OTEL_* vars are configured", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "https://otel-collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want OTEL_EXPORTER_OTLP_ENDPOINT override", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.Insecure {
		t.Fatalf("observability.otel.insecure=%v, want false from OTEL_EXPORTER_OTLP_INSECURE", cfg.Observability.OTel.Insecure)
	}
	if cfg.Observability.OTel.ServiceName != "otel-service-name" {
		t.Fatalf("observability.otel.service_name=%q, want OTEL_SERVICE_NAME fallback", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.35 {
		t.Fatalf("observability.otel.sampling_ratio=%v, want OTEL_TRACES_SAMPLER_ARG fallback", cfg.Observability.OTel.SamplingRatio)
	}
	if cfg.Observability.OTel.TracesEnabled {
		t.Fatalf("observability.otel.traces_enabled=%v, want false from OTEL_TRACES_EXPORTER=none", cfg.Observability.OTel.TracesEnabled)
	}
	if !cfg.Observability.OTel.MetricsEnabled {
		t.Fatalf("observability.otel.metrics_enabled=%v, want true from OTEL_METRICS_EXPORTER=otlp", cfg.Observability.OTel.MetricsEnabled)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false from OTEL_SDK_DISABLED=true", cfg.Observability.OTel.Enabled)
	}
}

func TestLoadRejectsInvalidStandardOTELExporterEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want OTEL_TRACES_EXPORTER validation error")
	}
	if !strings.Contains(err.Error(), "invalid OTEL_TRACES_EXPORTER") {
		t.Fatalf("error=%q, want OTEL_TRACES_EXPORTER validation message", err.Error())
	}
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(default) error: %v", err)
	}
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want postgres dsn validation error")
	}
	if !strings.Contains(err.Error(), "storage.dsn is required") {
		t.Fatalf("error=%q, want storage.dsn validation message", err.Error())
	}
}

func TestValidateRejectsUnknownStorageDriver(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.Driver = "mysql"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want storage.driver validation error")
	}
	if !strings.Contains(err.Error(), "storage.driver must be one of") {
		t.Fatalf("error=%q, want storage.driver validation message", err.Error())
	}
}

func TestValidateRejectsOutOfRangeRetentionDays(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.RetentionDays = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want retention_days validation error")
	}
	if !strings.Contains(err.Error(), "storage.retention_days") {
		t.Fatalf("error=%q, want retention_days validation message", err.Error())
	}
}

func TestValidateRejectsUndersizedBuffer(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Buffer.MaxSize = 10

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want buffer.max_size validation error")
	}
	if !strings.Contains(err.Error(), "buffer.max_size") {
		t.Fatalf("error=%q, want buffer.max_size validation message", err.Error())
	}
}

func TestValidateRejectsWriteBatchSizeLargerThanBuffer(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Buffer.WriteBatchSize = cfg.Buffer.MaxSize + 1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want write_batch_size validation error")
	}
	if !strings.Contains(err.Error(), "buffer.write_batch_size") {
		t.Fatalf("error=%q, want write_batch_size validation message", err.Error())
	}
}

func TestValidateRejectsRateLimitWithoutPositiveRate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want rate_limit.requests_per_second validation error")
	}
	if !strings.Contains(err.Error(), "rate_limit.requests_per_second") {
		t.Fatalf("error=%q, want rate_limit.requests_per_second validation message", err.Error())
	}
}

func TestValidateRejectsInvalidOTelSamplingRatio(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.SamplingRatio = 1.5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel.sampling_ratio validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel.sampling_ratio") {
		t.Fatalf("error=%q, want sampling ratio validation message", err.Error())
	}
}

func TestValidateRejectsOTelEnabledWithoutSignals(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.TracesEnabled = false
	cfg.Observability.OTel.MetricsEnabled = false

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel traces/metrics validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel requires") {
		t.Fatalf("error=%q, want signal validation message", err.Error())
	}
}

func TestValidateRejectsOTelEnabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.Endpoint = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel.endpoint validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel.endpoint is required") {
		t.Fatalf("error=%q, want endpoint validation message", err.Error())
	}
}
