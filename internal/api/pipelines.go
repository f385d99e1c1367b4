package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hikarihq/collector/internal/observability"
	"github.com/hikarihq/collector/internal/store"
)

type stageCostResponse struct {
	Stage        string  `json:"stage"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	TokensInput  *int64  `json:"tokens_input"`
	TokensOutput *int64  `json:"tokens_output"`
	CostInput    *float64 `json:"cost_input"`
	CostOutput   *float64 `json:"cost_output"`
	CostTotal    *float64 `json:"cost_total"`
	SpanCount    int     `json:"span_count"`
}

type pipelineCostResponse struct {
	PipelineID    string              `json:"pipeline_id"`
	TotalCost     float64             `json:"total_cost"`
	IsPartial     bool                `json:"is_partial"`
	CoverageRatio float64             `json:"coverage_ratio"`
	Stages        []stageCostResponse `json:"stages"`
	FirstSeen     time.Time           `json:"first_seen"`
	LastSeen      time.Time           `json:"last_seen"`
}

type pipelineSummaryResponse struct {
	PipelineID string    `json:"pipeline_id"`
	TotalCost  float64   `json:"total_cost"`
	IsPartial  bool      `json:"is_partial"`
	SpanCount  int       `json:"span_count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

type pipelineListResponse struct {
	Pipelines []pipelineSummaryResponse `json:"pipelines"`
	Total     int                       `json:"total"`
	Limit     int                       `json:"limit"`
	Offset    int                       `json:"offset"`
}

// pipelineCostHandler serves GET /v1/pipelines/{pipeline_id}/cost.
func pipelineCostHandler(spanStore store.SpanStore, otelRuntime *observability.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if spanStore == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		pipelineID, ok := parsePipelineCostPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		start := time.Now()
		cost, err := spanStore.GetPipelineCost(r.Context(), pipelineID)
		otelRuntime.RecordQueryLatency("pipeline_cost", time.Since(start))
		if err != nil {
			if errors.Is(err, store.ErrPipelineNotFound) {
				writeError(w, http.StatusNotFound, "pipeline not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to read pipeline cost")
			return
		}

		writeJSON(w, http.StatusOK, toPipelineCostResponse(cost))
	})
}

// pipelineListHandler serves GET /v1/pipelines.
func pipelineListHandler(spanStore store.SpanStore, otelRuntime *observability.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if spanStore == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		filter, err := parsePipelineListFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		start := time.Now()
		result, err := spanStore.ListPipelines(r.Context(), filter)
		otelRuntime.RecordQueryLatency("pipeline_list", time.Since(start))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list pipelines")
			return
		}

		items := make([]pipelineSummaryResponse, 0, len(result.Pipelines))
		for _, p := range result.Pipelines {
			items = append(items, pipelineSummaryResponse{
				PipelineID: p.PipelineID,
				TotalCost:  p.TotalCost,
				IsPartial:  p.IsPartial,
				SpanCount:  p.SpanCount,
				FirstSeen:  p.FirstSeen,
				LastSeen:   p.LastSeen,
			})
		}

		writeJSON(w, http.StatusOK, pipelineListResponse{
			Pipelines: items,
			Total:     result.Total,
			Limit:     result.Limit,
			Offset:    result.Offset,
		})
	})
}

func parsePipelineCostPath(path string) (string, bool) {
	const prefix = "/v1/pipelines/"
	const suffix = "/cost"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	id = strings.Trim(id, "/")
	if id == "" {
		return "", false
	}
	return id, true
}

func parsePipelineListFilter(r *http.Request) (store.PipelineListFilter, error) {
	query := r.URL.Query()

	start, err := parseTimeQuery(query.Get("start"))
	if err != nil {
		return store.PipelineListFilter{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseTimeQuery(query.Get("end"))
	if err != nil {
		return store.PipelineListFilter{}, fmt.Errorf("invalid end: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return store.PipelineListFilter{}, fmt.Errorf("end must be greater than or equal to start")
	}

	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 1000)
	if err != nil {
		return store.PipelineListFilter{}, err
	}
	offset, err := parseIntQuery(query.Get("offset"), "offset", 0, 0)
	if err != nil {
		return store.PipelineListFilter{}, err
	}

	return store.PipelineListFilter{
		Start:  start,
		End:    end,
		Limit:  limit,
		Offset: offset,
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func toPipelineCostResponse(cost *store.PipelineCost) pipelineCostResponse {
	stages := make([]stageCostResponse, 0, len(cost.Stages))
	for _, s := range cost.Stages {
		stages = append(stages, stageCostResponse{
			Stage:        s.Stage,
			Model:        s.Model,
			Provider:     s.Provider,
			TokensInput:  nullInt64Ptr(s.TokensInput),
			TokensOutput: nullInt64Ptr(s.TokensOutput),
			CostInput:    nullFloat64Ptr(s.CostInput),
			CostOutput:   nullFloat64Ptr(s.CostOutput),
			CostTotal:    nullFloat64Ptr(s.CostTotal),
			SpanCount:    s.SpanCount,
		})
	}
	return pipelineCostResponse{
		PipelineID:    cost.PipelineID,
		TotalCost:     cost.TotalCost,
		IsPartial:     cost.IsPartial,
		CoverageRatio: cost.CoverageRatio,
		Stages:        stages,
		FirstSeen:     cost.FirstSeen,
		LastSeen:      cost.LastSeen,
	}
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
