package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hikarihq/collector/internal/api"
	"github.com/hikarihq/collector/internal/buffer"
	"github.com/hikarihq/collector/internal/config"
	"github.com/hikarihq/collector/internal/observability"
	"github.com/hikarihq/collector/internal/ratelimit"
	"github.com/hikarihq/collector/internal/store"
	"github.com/hikarihq/collector/internal/version"
)

const defaultConfigPath = "hikari.yaml"

const writerShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute
const serverShutdownTimeout = 5 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(errOut *os.File) {
	fmt.Fprintln(errOut, "usage: hikari-collector [serve|config validate|version] [flags]")
}

func runConfig(args []string, out, errOut *os.File) int {
	if len(args) == 0 || args[0] != "validate" {
		fmt.Fprintln(errOut, "usage: hikari-collector config validate [-config path]")
		return 2
	}

	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	spanStore, err := newSpanStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := spanStore.Close(); err != nil {
			logger.Error("failed to close span store", "error", err)
		}
	}()

	buf := buffer.New(cfg.Buffer.MaxSize)

	retryInterval := time.Duration(cfg.Buffer.DBRetryIntervalSeconds * float64(time.Second))
	writer := store.NewWriter(spanStore, buf, cfg.Buffer.WriteBatchSize, retryInterval, logger)
	attachWriterMetrics(writer, otelRuntime)
	attachWriterFailureLogging(logger, writer, func(failure store.WriteFailure) {
		if otelRuntime != nil {
			otelRuntime.RecordWriteFailure(failure.ErrorClass, failure.FailedCount)
		}
	})
	writer.Start(context.Background())

	shutdownDrain := time.Duration(cfg.Buffer.ShutdownDrainSeconds * float64(time.Second))
	defer shutdownWriter(logger, buf, writer, shutdownDrain)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
	}

	handler := api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Store:       spanStore,
		Buffer:      buf,
		Writer:      writer,
		RateLimiter: limiter,
		OTel:        otelRuntime,
	})

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"otel_enabled", cfg.Observability.OTel.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return 1
		}
		logger.Info("collector stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("collector failed", "error", err)
			return 1
		}
		return 0
	}
}

func newSpanStore(cfg config.StorageConfig) (store.SpanStore, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.DSN, cfg.RetentionDays)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Driver)
	}
}

// shutdownWriter closes the buffer, which unblocks the writer's drain loop,
// then waits up to timeout for the writer to flush whatever remained queued.
func shutdownWriter(logger *slog.Logger, buf *buffer.Buffer, writer *store.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	buf.Close()

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending spans before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}

	logger.Info("flushed pending spans before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func attachWriterMetrics(writer *store.Writer, otelRuntime *observability.Runtime) {
	if writer == nil || otelRuntime == nil || !otelRuntime.Enabled() {
		return
	}

	writer.SetMetrics(&store.WriterMetrics{
		OnFlush: func(batchSize int, duration time.Duration) {
			otelRuntime.RecordQueryLatency("writer_flush", duration)
		},
	})
}

func attachWriterFailureLogging(logger *slog.Logger, writer *store.Writer, onFailure func(store.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure store.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"span persistence failed; dropped span records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}
