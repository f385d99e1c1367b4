package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hikarihq/collector/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{
			name:         "host and port",
			input:        "collector:4318",
			wantEndpoint: "collector:4318",
		},
		{
			name:         "http url",
			input:        "http://collector:4318",
			wantEndpoint: "collector:4318",
			wantInsecure: true,
		},
		{
			name:         "https url",
			input:        "https://collector:4318",
			wantEndpoint: "collector:4318",
		},
		{
			name:          "invalid scheme",
			input:         "ftp://collector:4318",
			wantErrSubstr: "scheme must be http or https",
		},
		{
			name:          "empty endpoint",
			input:         "   ",
			wantErrSubstr: "must not be empty",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotEndpoint, gotInsecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) error=nil, want %q", tt.input, tt.wantErrSubstr)
				}
				if got := err.Error(); !strings.Contains(got, tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", got, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error=%v", tt.input, err)
			}
			if gotEndpoint != tt.wantEndpoint {
				t.Fatalf("endpoint=%q, want %q", gotEndpoint, tt.wantEndpoint)
			}
			if gotInsecure != tt.wantInsecure {
				t.Fatalf("insecure=%v, want %v", gotInsecure, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "/v1/traces", want: "/v1/traces"},
		{path: "/v1/pipelines", want: "/v1/pipelines/*"},
		{path: "/v1/pipelines/checkout/cost", want: "/v1/pipelines/*"},
		{path: "/v1/cost/trending", want: "/v1/cost/trending"},
		{path: "/v1/health", want: "/v1/health"},
		{path: "/custom", want: "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := routePatternForPath(tt.path); got != tt.want {
				t.Fatalf("routePatternForPath(%q)=%q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	if got := serverSpanName("POST", "/v1/traces"); got != "POST /v1/traces" {
		t.Fatalf("serverSpanName=%q, want %q", got, "POST /v1/traces")
	}
	if got := serverSpanName("", "/unknown"); got != "UNKNOWN /other" {
		t.Fatalf("serverSpanName=%q, want %q", got, "UNKNOWN /other")
	}
}

// Cannot be parallel: mutates the global OTel tracer provider.
func TestSpanEnrichmentMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantError  bool
	}{
		{name: "5xx sets error status", statusCode: http.StatusBadGateway, wantError: true},
		{name: "2xx does not set error status", statusCode: http.StatusOK, wantError: false},
		{name: "4xx does not set error status", statusCode: http.StatusNotFound, wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldTP := otel.GetTracerProvider()
			defer otel.SetTracerProvider(oldTP)

			recorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			otel.SetTracerProvider(tp)
			defer func() { _ = tp.Shutdown(context.Background()) }()

			runtime := &Runtime{enabled: true}
			handler := runtime.WrapHTTPHandler(runtime.SpanEnrichmentMiddleware(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.statusCode)
				}),
			))

			req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans=%d, want 1", len(spans))
			}

			span := spans[0]
			if tt.wantError && span.Status().Code != codes.Error {
				t.Fatalf("span status=%v, want %v", span.Status().Code, codes.Error)
			}
			if !tt.wantError && span.Status().Code == codes.Error {
				t.Fatalf("span status=%v, want non-error", span.Status().Code)
			}
		})
	}
}

func TestRecordWriteFailureIncludesMetricAttributes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Fatalf("meterProvider.Shutdown() error: %v", err)
		}
	})

	counter, err := meterProvider.Meter("test").Int64Counter("test.write_failed_total")
	if err != nil {
		t.Fatalf("Int64Counter() error: %v", err)
	}

	runtime := &Runtime{
		enabled:            true,
		writeFailedCounter: counter,
	}

	runtime.RecordWriteFailure("timeout", 3)

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	found := false
	var dataPoint metricdata.DataPoint[int64]
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "test.write_failed_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric data type=%T, want metricdata.Sum[int64]", m.Data)
			}
			if len(sum.DataPoints) != 1 {
				t.Fatalf("datapoints=%d, want 1", len(sum.DataPoints))
			}
			dataPoint = sum.DataPoints[0]
			found = true
		}
	}
	if !found {
		t.Fatal("missing test.write_failed_total metric")
	}
	if dataPoint.Value != 3 {
		t.Fatalf("value=%d, want 3", dataPoint.Value)
	}

	gotAttrs := make(map[string]string)
	for _, kv := range dataPoint.Attributes.ToSlice() {
		gotAttrs[string(kv.Key)] = kv.Value.AsString()
	}
	if got := gotAttrs["error_class"]; got != "timeout" {
		t.Fatalf("attribute error_class=%q, want timeout", got)
	}
}

func TestRecordBufferDropIncrementsCounter(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Fatalf("meterProvider.Shutdown() error: %v", err)
		}
	})

	counter, err := meterProvider.Meter("test").Int64Counter("test.buffer.dropped_total")
	if err != nil {
		t.Fatalf("Int64Counter() error: %v", err)
	}

	runtime := &Runtime{
		enabled:              true,
		bufferDroppedCounter: counter,
	}

	runtime.RecordBufferDrop(4)

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	found := false
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "test.buffer.dropped_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric data type=%T, want metricdata.Sum[int64]", m.Data)
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 4 {
				t.Fatalf("datapoints=%v, want single point of 4", sum.DataPoints)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("missing test.buffer.dropped_total metric")
	}
}

func TestRecordIngestResultIncrementsAcceptedAndRejected(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Fatalf("meterProvider.Shutdown() error: %v", err)
		}
	})

	meter := meterProvider.Meter("test")
	accepted, err := meter.Int64Counter("test.spans_accepted_total")
	if err != nil {
		t.Fatalf("Int64Counter() error: %v", err)
	}
	rejected, err := meter.Int64Counter("test.spans_rejected_total")
	if err != nil {
		t.Fatalf("Int64Counter() error: %v", err)
	}

	runtime := &Runtime{
		enabled:              true,
		spansAcceptedCounter: accepted,
		spansRejectedCounter: rejected,
	}

	runtime.RecordIngestResult(10, 2)

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	values := make(map[string]int64)
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) != 1 {
				continue
			}
			values[m.Name] = sum.DataPoints[0].Value
		}
	}
	if values["test.spans_accepted_total"] != 10 {
		t.Fatalf("accepted=%d, want 10", values["test.spans_accepted_total"])
	}
	if values["test.spans_rejected_total"] != 2 {
		t.Fatalf("rejected=%d, want 2", values["test.spans_rejected_total"])
	}
}

// Cannot be parallel: mutates global OTel providers.
func TestSetupExportsTracesAndMetrics(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	oldPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
		otel.SetTextMapPropagator(oldPropagator)
	}()

	var traceRequests atomic.Int64
	var metricRequests atomic.Int64
	var unexpectedPath atomic.Bool
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()

		switch r.URL.Path {
		case "/v1/traces":
			traceRequests.Add(1)
		case "/v1/metrics":
			metricRequests.Add(1)
		default:
			unexpectedPath.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		Insecure:               false,
		ServiceName:            "hikari-collector-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		SamplingRatio:          1.0,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 25,
	}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "hikari.test")
	span.End()
	runtime.RecordBufferDrop(1)
	runtime.RecordWriteFailure("unknown", 2)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("runtime.Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return traceRequests.Load() > 0 && metricRequests.Load() > 0
	})
	if unexpectedPath.Load() {
		t.Fatal("collector observed unexpected OTLP request path")
	}
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStatusCapturingResponseWriterUnwrapSupportsResponseController(t *testing.T) {
	t.Parallel()

	base := &deadlineAwareResponseWriter{
		header: make(http.Header),
	}
	wrapped := &statusCapturingResponseWriter{
		ResponseWriter: base,
	}

	controller := http.NewResponseController(wrapped)
	deadline := time.Now().Add(250 * time.Millisecond)
	if err := controller.SetWriteDeadline(deadline); err != nil {
		t.Fatalf("SetWriteDeadline() error: %v", err)
	}
	if base.writeDeadlineCalls != 1 {
		t.Fatalf("write deadline calls=%d, want 1", base.writeDeadlineCalls)
	}
	if !base.lastWriteDeadline.Equal(deadline) {
		t.Fatalf("write deadline=%v, want %v", base.lastWriteDeadline, deadline)
	}
}

type deadlineAwareResponseWriter struct {
	header             http.Header
	statusCode         int
	writeDeadlineCalls int
	lastWriteDeadline  time.Time
}

func (w *deadlineAwareResponseWriter) Header() http.Header {
	return w.header
}

func (w *deadlineAwareResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return len(p), nil
}

func (w *deadlineAwareResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
}

func (w *deadlineAwareResponseWriter) SetWriteDeadline(deadline time.Time) error {
	if w == nil {
		return errors.New("nil writer")
	}
	w.writeDeadlineCalls++
	w.lastWriteDeadline = deadline
	return nil
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	runtimes := []struct {
		name    string
		runtime *Runtime
	}{
		{name: "nil runtime", runtime: nil},
		{name: "disabled runtime", runtime: &Runtime{enabled: false}},
	}

	for _, tt := range runtimes {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.runtime.Enabled() {
				t.Fatal("expected Enabled()=false")
			}

			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			wrapped := tt.runtime.WrapHTTPHandler(handler)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("WrapHTTPHandler pass-through status=%d, want 200", rec.Code)
			}

			enriched := tt.runtime.SpanEnrichmentMiddleware(handler)
			rec = httptest.NewRecorder()
			enriched.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("SpanEnrichmentMiddleware pass-through status=%d, want 200", rec.Code)
			}

			tt.runtime.RecordBufferDrop(5)
			tt.runtime.RecordWriteFailure("unknown", 5)
			tt.runtime.RecordIngestResult(1, 1)
			tt.runtime.RecordQueryLatency("pipeline_cost", 10*time.Millisecond)

			if err := tt.runtime.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown() error: %v", err)
			}
		})
	}
}

// Cannot be parallel: mutates global OTel providers.
func TestSetupConfigPermutations(t *testing.T) {
	t.Run("disabled returns noop runtime", func(t *testing.T) {
		runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
		if err != nil {
			t.Fatalf("Setup() error: %v", err)
		}
		if runtime.Enabled() {
			t.Fatal("expected Enabled()=false for disabled config")
		}
	})

	t.Run("traces only skips metric export", func(t *testing.T) {
		oldTP := otel.GetTracerProvider()
		oldMP := otel.GetMeterProvider()
		oldProp := otel.GetTextMapPropagator()
		defer func() {
			otel.SetTracerProvider(oldTP)
			otel.SetMeterProvider(oldMP)
			otel.SetTextMapPropagator(oldProp)
		}()

		var traceRequests atomic.Int64
		var metricRequests atomic.Int64
		collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
			switch r.URL.Path {
			case "/v1/traces":
				traceRequests.Add(1)
			case "/v1/metrics":
				metricRequests.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer collector.Close()

		runtime, err := Setup(context.Background(), config.OTelConfig{
			Enabled:                true,
			Endpoint:               collector.URL,
			ServiceName:            "test-traces-only",
			TracesEnabled:          true,
			MetricsEnabled:         false,
			SamplingRatio:          1.0,
			ExportTimeoutMS:        1000,
			MetricExportIntervalMS: 25,
		}, "test", nil)
		if err != nil {
			t.Fatalf("Setup() error: %v", err)
		}

		_, span := otel.Tracer("test").Start(context.Background(), "test.span")
		span.End()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := runtime.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return traceRequests.Load() > 0
		})
		if metricRequests.Load() > 0 {
			t.Fatal("unexpected metric export requests when MetricsEnabled=false")
		}
	})

	t.Run("metrics only skips trace export", func(t *testing.T) {
		oldTP := otel.GetTracerProvider()
		oldMP := otel.GetMeterProvider()
		oldProp := otel.GetTextMapPropagator()
		defer func() {
			otel.SetTracerProvider(oldTP)
			otel.SetMeterProvider(oldMP)
			otel.SetTextMapPropagator(oldProp)
		}()

		var traceRequests atomic.Int64
		var metricRequests atomic.Int64
		collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
			switch r.URL.Path {
			case "/v1/traces":
				traceRequests.Add(1)
			case "/v1/metrics":
				metricRequests.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer collector.Close()

		runtime, err := Setup(context.Background(), config.OTelConfig{
			Enabled:                true,
			Endpoint:               collector.URL,
			ServiceName:            "test-metrics-only",
			TracesEnabled:          false,
			MetricsEnabled:         true,
			SamplingRatio:          1.0,
			ExportTimeoutMS:        1000,
			MetricExportIntervalMS: 25,
		}, "test", nil)
		if err != nil {
			t.Fatalf("Setup() error: %v", err)
		}

		runtime.RecordBufferDrop(1)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := runtime.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return metricRequests.Load() > 0
		})
		if traceRequests.Load() > 0 {
			t.Fatal("unexpected trace export requests when TracesEnabled=false")
		}
	})
}
