// Package store persists ingested spans and answers the cost-observability
// queries (pipeline cost breakdown, pipeline listing, cost trending) served
// by the API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/hikarihq/collector/internal/ingest"
)

var ErrPipelineNotFound = errors.New("pipeline not found")

// SpanStore is implemented by both the SQLite and Postgres/TimescaleDB
// backends. WriteBatch is the only mutation; spans are immutable once
// written.
type SpanStore interface {
	WriteBatch(ctx context.Context, spans []ingest.Span) error
	GetPipelineCost(ctx context.Context, pipelineID string) (*PipelineCost, error)
	ListPipelines(ctx context.Context, filter PipelineListFilter) (*PipelineListResult, error)
	GetTrending(ctx context.Context, filter TrendingFilter) (*TrendingResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// StageCost is one stage/model/provider group within a pipeline's cost
// breakdown. Token and cost fields are null when no span in the group
// reported them, never a sentinel zero.
type StageCost struct {
	Stage        string
	Model        string
	Provider     string
	TokensInput  sql.NullInt64
	TokensOutput sql.NullInt64
	CostInput    sql.NullFloat64
	CostOutput   sql.NullFloat64
	CostTotal    sql.NullFloat64
	SpanCount    int
}

// PipelineCost is the full cost breakdown for one pipeline_id.
type PipelineCost struct {
	PipelineID    string
	TotalCost     float64
	IsPartial     bool
	CoverageRatio float64
	Stages        []StageCost
	FirstSeen     time.Time
	LastSeen      time.Time
}

// PipelineSummary is one row of a pipeline listing.
type PipelineSummary struct {
	PipelineID string
	TotalCost  float64
	IsPartial  bool
	SpanCount  int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// PipelineListFilter bounds and paginates ListPipelines.
type PipelineListFilter struct {
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// PipelineListResult is a page of pipeline summaries, ordered by
// last_seen descending then pipeline_id ascending.
type PipelineListResult struct {
	Pipelines []PipelineSummary
	Total     int
	Limit     int
	Offset    int
}

const (
	TrendingIntervalHour = "hour"
	TrendingIntervalDay  = "day"
	TrendingIntervalWeek = "week"

	TrendingGroupByModel    = "model"
	TrendingGroupByProvider = "provider"
	TrendingGroupByStage    = "stage"
)

// TrendingFilter selects the time range, bucket width, and grouping
// dimension for GetTrending.
type TrendingFilter struct {
	Start    time.Time
	End      time.Time
	Interval string
	GroupBy  string
}

// TrendingBreakdown is one dimension's cost share within a trending
// bucket.
type TrendingBreakdown struct {
	Key        string
	Cost       float64
	Percentage float64
}

// TrendingBucket is one time bucket of cost trending data.
type TrendingBucket struct {
	Timestamp        time.Time
	TotalCost         float64
	RequestCount      int
	AvgCostPerRequest float64
	Breakdown         []TrendingBreakdown
}

// TrendingResult is the full bucketed trending response.
type TrendingResult struct {
	Buckets []TrendingBucket
}

// sortStageCosts orders a pipeline's stage breakdown by cost_total
// descending with nulls last, ties broken by ascending stage then model.
func sortStageCosts(stages []StageCost) {
	sort.Slice(stages, func(i, j int) bool {
		a, b := stages[i], stages[j]
		if a.CostTotal.Valid != b.CostTotal.Valid {
			return a.CostTotal.Valid
		}
		if a.CostTotal.Valid && a.CostTotal.Float64 != b.CostTotal.Float64 {
			return a.CostTotal.Float64 > b.CostTotal.Float64
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Model < b.Model
	})
}

// trendingBreakdownLimit is the number of dimension groups a trending
// bucket reports individually before the remainder is folded into "other".
const trendingBreakdownLimit = 20

// sortAndTruncateBreakdown orders a bucket's dimension breakdown by cost
// descending and, past the top trendingBreakdownLimit groups, collapses the
// remainder into a synthetic "other" entry.
func sortAndTruncateBreakdown(breakdown []TrendingBreakdown) []TrendingBreakdown {
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].Cost != breakdown[j].Cost {
			return breakdown[i].Cost > breakdown[j].Cost
		}
		return breakdown[i].Key < breakdown[j].Key
	})

	out := breakdown
	if len(breakdown) > trendingBreakdownLimit {
		kept := append([]TrendingBreakdown{}, breakdown[:trendingBreakdownLimit]...)
		other := TrendingBreakdown{Key: "other"}
		for _, e := range breakdown[trendingBreakdownLimit:] {
			other.Cost += e.Cost
			other.Percentage += e.Percentage
		}
		out = append(kept, other)
	}

	for i := range out {
		out[i].Percentage = math.Round(out[i].Percentage*10) / 10
	}
	return out
}
