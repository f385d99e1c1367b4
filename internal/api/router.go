// Package api exposes the HTTP surface: trace ingestion and the
// cost-observability query endpoints (pipeline cost, pipeline listing, cost
// trending), plus a health check the deployment probes.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hikarihq/collector/internal/buffer"
	"github.com/hikarihq/collector/internal/observability"
	"github.com/hikarihq/collector/internal/ratelimit"
	"github.com/hikarihq/collector/internal/store"
)

// Writer is the subset of store.Writer the health handler needs.
type Writer interface {
	DBConnected() bool
}

// RouterOptions wires the dependencies the API handlers need.
type RouterOptions struct {
	AppVersion  string
	Store       store.SpanStore
	Buffer      *buffer.Buffer
	Writer      Writer
	RateLimiter *ratelimit.Limiter
	OTel        *observability.Runtime
}

func NewRouter(options RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/v1/traces", tracesHandler(options.Buffer, options.RateLimiter, options.OTel))
	mux.Handle("/v1/pipelines", pipelineListHandler(options.Store, options.OTel))
	mux.Handle("/v1/pipelines/", pipelineCostHandler(options.Store, options.OTel))
	mux.Handle("/v1/cost/trending", trendingHandler(options.Store, options.OTel))
	mux.Handle("/v1/health", healthHandler(healthOptions{
		Version: options.AppVersion,
		Buffer:  options.Buffer,
		Writer:  options.Writer,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "hikari-collector",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	var handler http.Handler = mux
	if options.OTel != nil {
		handler = options.OTel.SpanEnrichmentMiddleware(options.OTel.WrapHTTPHandler(handler))
	}
	return handler
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func parseTimeQuery(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errTimeFormat
}

var errTimeFormat = errors.New("expected RFC3339 or YYYY-MM-DD")
