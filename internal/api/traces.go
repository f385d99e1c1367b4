package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hikarihq/collector/internal/buffer"
	"github.com/hikarihq/collector/internal/ingest"
	"github.com/hikarihq/collector/internal/observability"
	"github.com/hikarihq/collector/internal/ratelimit"
)

const tracesBodyLimit = 16 << 20

type tracesResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
	Dropped  int      `json:"dropped,omitempty"`
}

// tracesHandler accepts an OTLP/JSON trace export, decodes and validates its
// spans, and pushes the accepted ones onto the write buffer. It returns 200
// when every span was accepted, 207 when some were rejected, and 400 when
// the body cannot be parsed as an OTLP envelope at all.
func tracesHandler(buf *buffer.Buffer, limiter *ratelimit.Limiter, otelRuntime *observability.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if buf == nil {
			writeError(w, http.StatusServiceUnavailable, "write buffer is not configured")
			return
		}

		if limiter != nil {
			allowed, retryAfter := limiter.Allow(clientID(r))
			if !allowed {
				w.Header().Set("Retry-After", retryAfterHeader(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, tracesBodyLimit)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		result, err := ingest.Decode(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		dropped := buf.PushBatch(result.Spans)
		otelRuntime.RecordIngestResult(len(result.Spans), len(result.Rejected))
		otelRuntime.RecordBufferDrop(dropped)

		status := http.StatusOK
		if len(result.Rejected) > 0 {
			status = http.StatusMultiStatus
		}

		writeJSON(w, status, tracesResponse{
			Accepted: len(result.Spans),
			Rejected: len(result.Rejected),
			Errors:   result.Rejected,
			Dropped:  dropped,
		})
	})
}

// clientID identifies the caller for rate limiting, preferring the leftmost
// X-Forwarded-For address since that is the original client behind any
// proxy chain.
func clientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if addr, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(addr)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}

func retryAfterHeader(seconds int) string {
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
