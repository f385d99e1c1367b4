package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hikarihq/collector/migrations"

	"github.com/hikarihq/collector/internal/ingest"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs production deployments against a TimescaleDB-enabled
// Postgres. Trending queries lean on TimescaleDB's time_bucket; cost
// breakdown and listing use plain aggregate SQL against the hypertable.
type PostgresStore struct {
	DSN           string
	RetentionDays int
	db            *sql.DB
}

func NewPostgresStore(dsn string, retentionDays int) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, RetentionDays: retentionDays, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureRetentionPolicy(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// ensureRetentionPolicy (re)applies the TimescaleDB data retention policy
// using the configured retention window, since the retention period is an
// operator-tunable setting rather than something fixed at migration time.
func (s *PostgresStore) ensureRetentionPolicy() error {
	if s.RetentionDays <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `SELECT remove_retention_policy('spans', if_exists => TRUE);`); err != nil {
		return fmt.Errorf("remove existing retention policy: %w", err)
	}
	query := fmt.Sprintf(`SELECT add_retention_policy('spans', INTERVAL '%d days', if_not_exists => TRUE);`, s.RetentionDays)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("add retention policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WriteBatch(ctx context.Context, spans []ingest.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO spans (
    time, trace_id, span_id, span_name, pipeline_id, stage, model, provider,
    tokens_input, tokens_output, cost_input, cost_output, cost_total, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (time, span_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		if _, err := stmt.ExecContext(ctx,
			span.Time.UTC(),
			span.TraceID,
			span.SpanID,
			span.SpanName,
			span.PipelineID,
			span.Stage,
			span.Model,
			span.Provider,
			nullInt64(span.TokensInput),
			nullInt64(span.TokensOutput),
			nullFloat64(span.CostInput),
			nullFloat64(span.CostOutput),
			nullFloat64(span.CostTotal),
			span.DurationMS,
		); err != nil {
			return fmt.Errorf("write span %q in batch: %w", span.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipelineCost(ctx context.Context, pipelineID string) (*PipelineCost, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    stage,
    model,
    provider,
    SUM(tokens_input) as tokens_input,
    SUM(tokens_output) as tokens_output,
    SUM(cost_input) as cost_input,
    SUM(cost_output) as cost_output,
    SUM(cost_total) as cost_total,
    COUNT(*) as span_count,
    SUM(CASE WHEN cost_total IS NOT NULL THEN 1 ELSE 0 END) as spans_with_cost,
    MIN(time) as first_seen,
    MAX(time) as last_seen
FROM spans
WHERE pipeline_id = $1
GROUP BY stage, model, provider
ORDER BY stage, model`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query pipeline cost: %w", err)
	}
	defer rows.Close()

	var (
		stages        []StageCost
		totalSpans    int
		spansWithCost int
		totalCost     float64
		firstSeen     time.Time
		lastSeen      time.Time
		haveRow       bool
	)

	for rows.Next() {
		var (
			stage, model, provider string
			tokensInput            sql.NullInt64
			tokensOutput           sql.NullInt64
			costInput              sql.NullFloat64
			costOutput             sql.NullFloat64
			costTotal              sql.NullFloat64
			spanCount              int
			rowSpansWithCost       int
			rowFirst               time.Time
			rowLast                time.Time
		)
		if err := rows.Scan(&stage, &model, &provider, &tokensInput, &tokensOutput,
			&costInput, &costOutput, &costTotal, &spanCount, &rowSpansWithCost, &rowFirst, &rowLast); err != nil {
			return nil, fmt.Errorf("scan pipeline cost row: %w", err)
		}

		haveRow = true
		totalSpans += spanCount
		spansWithCost += rowSpansWithCost
		if firstSeen.IsZero() || rowFirst.Before(firstSeen) {
			firstSeen = rowFirst
		}
		if rowLast.After(lastSeen) {
			lastSeen = rowLast
		}

		stages = append(stages, StageCost{
			Stage: stage, Model: model, Provider: provider,
			TokensInput: tokensInput, TokensOutput: tokensOutput,
			CostInput: costInput, CostOutput: costOutput, CostTotal: costTotal,
			SpanCount: spanCount,
		})

		if costTotal.Valid {
			totalCost += costTotal.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline cost rows: %w", err)
	}
	if !haveRow {
		return nil, ErrPipelineNotFound
	}

	sortStageCosts(stages)

	coverage := 0.0
	if totalSpans > 0 {
		coverage = float64(spansWithCost) / float64(totalSpans)
	}

	return &PipelineCost{
		PipelineID:    pipelineID,
		TotalCost:     totalCost,
		IsPartial:     coverage < 1.0,
		CoverageRatio: coverage,
		Stages:        stages,
		FirstSeen:     firstSeen.UTC(),
		LastSeen:      lastSeen.UTC(),
	}, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context, filter PipelineListFilter) (*PipelineListResult, error) {
	var where []string
	var args []any
	idx := 1
	if !filter.Start.IsZero() {
		where = append(where, fmt.Sprintf("time >= $%d", idx))
		args = append(args, filter.Start.UTC())
		idx++
	}
	if !filter.End.IsZero() {
		where = append(where, fmt.Sprintf("time <= $%d", idx))
		args = append(args, filter.End.UTC())
		idx++
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(DISTINCT pipeline_id) FROM spans %s`, whereSQL)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count pipelines: %w", err)
	}

	listArgs := append(append([]any{}, args...), limit, filter.Offset)
	listQuery := fmt.Sprintf(`
SELECT
    pipeline_id,
    MIN(time) as first_seen,
    MAX(time) as last_seen,
    COUNT(*) as span_count,
    COALESCE(SUM(cost_total), 0) as total_cost,
    COUNT(*) FILTER (WHERE cost_total IS NULL) > 0 as is_partial
FROM spans
%s
GROUP BY pipeline_id
ORDER BY last_seen DESC, pipeline_id ASC
LIMIT $%d OFFSET $%d`, whereSQL, idx, idx+1)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []PipelineSummary
	for rows.Next() {
		var (
			pipelineID string
			firstSeen  time.Time
			lastSeen   time.Time
			spanCount  int
			totalCost  float64
			isPartial  bool
		)
		if err := rows.Scan(&pipelineID, &firstSeen, &lastSeen, &spanCount, &totalCost, &isPartial); err != nil {
			return nil, fmt.Errorf("scan pipeline summary row: %w", err)
		}
		pipelines = append(pipelines, PipelineSummary{
			PipelineID: pipelineID,
			TotalCost:  totalCost,
			IsPartial:  isPartial,
			SpanCount:  spanCount,
			FirstSeen:  firstSeen.UTC(),
			LastSeen:   lastSeen.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline summary rows: %w", err)
	}

	return &PipelineListResult{
		Pipelines: pipelines,
		Total:     total,
		Limit:     limit,
		Offset:    filter.Offset,
	}, nil
}

// trendingViewByInterval maps a requested bucket width to the continuous
// aggregate that pre-computes it; see migrations/postgres/0001_init.sql.
var trendingViewByInterval = map[string]string{
	TrendingIntervalHour: "cost_hourly",
	TrendingIntervalDay:  "cost_daily",
	TrendingIntervalWeek: "cost_weekly",
}

var trendingDimensionColumn = map[string]string{
	TrendingGroupByModel:    "model",
	TrendingGroupByProvider: "provider",
	TrendingGroupByStage:    "stage",
}

func (s *PostgresStore) GetTrending(ctx context.Context, filter TrendingFilter) (*TrendingResult, error) {
	dimension, ok := trendingDimensionColumn[filter.GroupBy]
	if !ok {
		return nil, fmt.Errorf("invalid group_by: %s. Must be one of: model, provider, stage", filter.GroupBy)
	}
	view, ok := trendingViewByInterval[filter.Interval]
	if !ok {
		return nil, fmt.Errorf("invalid interval: %s. Must be one of: hour, day, week", filter.Interval)
	}

	query := fmt.Sprintf(`
SELECT bucket, %s as dimension, COALESCE(SUM(cost), 0) as cost, COALESCE(SUM(request_count), 0) as request_count
FROM %s
WHERE bucket >= $1 AND bucket < $2
GROUP BY bucket, %s
ORDER BY bucket, %s`, dimension, view, dimension, dimension)

	rows, err := s.db.QueryContext(ctx, query, filter.Start.UTC(), filter.End.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trending: %w", err)
	}
	defer rows.Close()

	type row struct {
		dimension    string
		cost         float64
		requestCount int
	}
	bucketsInOrder := []time.Time{}
	bucketRows := map[int64][]row{}

	for rows.Next() {
		var (
			bucket       time.Time
			dimension    string
			cost         float64
			requestCount int
		)
		if err := rows.Scan(&bucket, &dimension, &cost, &requestCount); err != nil {
			return nil, fmt.Errorf("scan trending row: %w", err)
		}
		key := bucket.UTC().Unix()
		if _, ok := bucketRows[key]; !ok {
			bucketsInOrder = append(bucketsInOrder, bucket.UTC())
		}
		bucketRows[key] = append(bucketRows[key], row{dimension: dimension, cost: cost, requestCount: requestCount})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trending rows: %w", err)
	}

	result := &TrendingResult{}
	for _, ts := range bucketsInOrder {
		entries := bucketRows[ts.Unix()]
		var totalCost float64
		var totalRequests int
		for _, e := range entries {
			totalCost += e.cost
			totalRequests += e.requestCount
		}
		avgCost := 0.0
		if totalRequests > 0 {
			avgCost = totalCost / float64(totalRequests)
		}
		var breakdown []TrendingBreakdown
		for _, e := range entries {
			pct := 0.0
			if totalCost > 0 {
				pct = e.cost / totalCost * 100.0
			}
			breakdown = append(breakdown, TrendingBreakdown{Key: e.dimension, Cost: e.cost, Percentage: pct})
		}
		breakdown = sortAndTruncateBreakdown(breakdown)
		result.Buckets = append(result.Buckets, TrendingBucket{
			Timestamp:         ts,
			TotalCost:         totalCost,
			RequestCount:      totalRequests,
			AvgCostPerRequest: avgCost,
			Breakdown:         breakdown,
		})
	}

	return result, nil
}
