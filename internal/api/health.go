package api

import (
	"net/http"

	"github.com/hikarihq/collector/internal/buffer"
)

type healthOptions struct {
	Version string
	Buffer  *buffer.Buffer
	Writer  Writer
}

type healthResponse struct {
	Status       string  `json:"status"`
	DBConnected  bool    `json:"db_connected"`
	BufferUsage  float64 `json:"buffer_usage"`
	Version      string  `json:"version"`
}

// healthHandler reports a coarse-grained status derived from database
// reachability and write buffer occupancy: unhealthy once the buffer itself
// is saturated (regardless of db connectivity), degraded when disconnected
// but the buffer still has headroom (ingestion keeps accepting, persistence
// is merely delayed), healthy when connected with headroom.
func healthHandler(options healthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		connected := false
		if options.Writer != nil {
			connected = options.Writer.DBConnected()
		}
		usage := 0.0
		if options.Buffer != nil {
			usage = options.Buffer.Usage()
		}

		status := "healthy"
		switch {
		case usage > 0.9:
			status = "unhealthy"
		case !connected:
			status = "degraded"
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:      status,
			DBConnected: connected,
			BufferUsage: usage,
			Version:     options.Version,
		})
	})
}
