package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hikarihq/collector/internal/observability"
	"github.com/hikarihq/collector/internal/store"
)

type trendingBreakdownResponse struct {
	Key        string  `json:"key"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

type trendingBucketResponse struct {
	Timestamp         time.Time                   `json:"timestamp"`
	TotalCost         float64                      `json:"total_cost"`
	RequestCount      int                          `json:"request_count"`
	AvgCostPerRequest float64                      `json:"avg_cost_per_request"`
	Breakdown         []trendingBreakdownResponse `json:"breakdown"`
}

type trendingResponse struct {
	Interval string                   `json:"interval"`
	GroupBy  string                   `json:"group_by"`
	Buckets  []trendingBucketResponse `json:"buckets"`
}

// trendingHandler serves GET /v1/cost/trending.
func trendingHandler(spanStore store.SpanStore, otelRuntime *observability.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if spanStore == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		filter, err := parseTrendingFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		start := time.Now()
		result, err := spanStore.GetTrending(r.Context(), filter)
		otelRuntime.RecordQueryLatency("trending", time.Since(start))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read cost trending")
			return
		}

		buckets := make([]trendingBucketResponse, 0, len(result.Buckets))
		for _, b := range result.Buckets {
			breakdown := make([]trendingBreakdownResponse, 0, len(b.Breakdown))
			for _, d := range b.Breakdown {
				breakdown = append(breakdown, trendingBreakdownResponse{
					Key:        d.Key,
					Cost:       d.Cost,
					Percentage: d.Percentage,
				})
			}
			buckets = append(buckets, trendingBucketResponse{
				Timestamp:         b.Timestamp,
				TotalCost:         b.TotalCost,
				RequestCount:      b.RequestCount,
				AvgCostPerRequest: b.AvgCostPerRequest,
				Breakdown:         breakdown,
			})
		}

		writeJSON(w, http.StatusOK, trendingResponse{
			Interval: filter.Interval,
			GroupBy:  filter.GroupBy,
			Buckets:  buckets,
		})
	})
}

func parseTrendingFilter(r *http.Request) (store.TrendingFilter, error) {
	query := r.URL.Query()

	start, err := parseTimeQuery(query.Get("start"))
	if err != nil {
		return store.TrendingFilter{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseTimeQuery(query.Get("end"))
	if err != nil {
		return store.TrendingFilter{}, fmt.Errorf("invalid end: %w", err)
	}
	if start.IsZero() || end.IsZero() {
		return store.TrendingFilter{}, fmt.Errorf("start and end are required")
	}
	if end.Before(start) {
		return store.TrendingFilter{}, fmt.Errorf("end must be greater than or equal to start")
	}

	interval := strings.ToLower(strings.TrimSpace(query.Get("interval")))
	switch interval {
	case store.TrendingIntervalHour, store.TrendingIntervalDay, store.TrendingIntervalWeek:
	case "":
		return store.TrendingFilter{}, fmt.Errorf("interval is required. Must be one of: hour, day, week")
	default:
		return store.TrendingFilter{}, fmt.Errorf("invalid interval: %s. Must be one of: hour, day, week", interval)
	}

	groupBy := strings.ToLower(strings.TrimSpace(query.Get("group_by")))
	switch groupBy {
	case store.TrendingGroupByModel, store.TrendingGroupByProvider, store.TrendingGroupByStage:
	case "":
		return store.TrendingFilter{}, fmt.Errorf("group_by is required. Must be one of: model, provider, stage")
	default:
		return store.TrendingFilter{}, fmt.Errorf("invalid group_by: %s. Must be one of: model, provider, stage", groupBy)
	}

	return store.TrendingFilter{
		Start:    start,
		End:      end,
		Interval: interval,
		GroupBy:  groupBy,
	}, nil
}
