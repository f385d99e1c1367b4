package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hikarihq/collector/migrations"

	"github.com/hikarihq/collector/internal/ingest"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs single-binary development and the test suite. SQLite
// allows only one writer at a time, so writes are serialized; query
// methods re-implement in Go the bucketing that Postgres/TimescaleDB does
// in SQL with time_bucket, since SQLite has no equivalent.
type SQLiteStore struct {
	Path string
	db   *sql.DB

	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, spans []ingest.Span) error {
	if len(spans) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO spans (
    time, trace_id, span_id, span_name, pipeline_id, stage, model, provider,
    tokens_input, tokens_output, cost_input, cost_output, cost_total, duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, span := range spans {
			if _, err := stmt.ExecContext(ctx,
				span.Time.UTC().Format(time.RFC3339Nano),
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
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func nullInt64(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullFloat64(v sql.NullFloat64) any {
	if !v.Valid {
		return nil
	}
	return v.Float64
}

func (s *SQLiteStore) GetPipelineCost(ctx context.Context, pipelineID string) (*PipelineCost, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    stage, model, provider,
    SUM(tokens_input), SUM(tokens_output),
    SUM(cost_input), SUM(cost_output), SUM(cost_total),
    COUNT(*), SUM(CASE WHEN cost_total IS NOT NULL THEN 1 ELSE 0 END),
    MIN(time), MAX(time)
FROM spans
WHERE pipeline_id = ?
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
			firstSeenStr           string
			lastSeenStr            string
		)
		if err := rows.Scan(&stage, &model, &provider, &tokensInput, &tokensOutput,
			&costInput, &costOutput, &costTotal, &spanCount, &rowSpansWithCost, &firstSeenStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan pipeline cost row: %w", err)
		}
		rowFirst, err := parseSQLiteTime(firstSeenStr)
		if err != nil {
			return nil, err
		}
		rowLast, err := parseSQLiteTime(lastSeenStr)
		if err != nil {
			return nil, err
		}

		haveRow = true
		totalSpans += spanCount
		spansWithCost += rowSpansWithCost
		if !firstSeen.IsZero() && rowFirst.Before(firstSeen) || firstSeen.IsZero() {
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
		FirstSeen:     firstSeen,
		LastSeen:      lastSeen,
	}, nil
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, filter PipelineListFilter) (*PipelineListResult, error) {
	var where []string
	var args []any
	if !filter.Start.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, filter.Start.UTC().Format(time.RFC3339Nano))
	}
	if !filter.End.IsZero() {
		where = append(where, "time <= ?")
		args = append(args, filter.End.UTC().Format(time.RFC3339Nano))
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
    MIN(time), MAX(time), COUNT(*),
    COALESCE(SUM(cost_total), 0),
    SUM(CASE WHEN cost_total IS NULL THEN 1 ELSE 0 END) > 0
FROM spans
%s
GROUP BY pipeline_id
ORDER BY MAX(time) DESC, pipeline_id ASC
LIMIT ? OFFSET ?`, whereSQL)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []PipelineSummary
	for rows.Next() {
		var (
			pipelineID             string
			firstSeenStr           string
			lastSeenStr            string
			spanCount              int
			totalCost              float64
			isPartial              bool
		)
		if err := rows.Scan(&pipelineID, &firstSeenStr, &lastSeenStr, &spanCount, &totalCost, &isPartial); err != nil {
			return nil, fmt.Errorf("scan pipeline summary row: %w", err)
		}
		firstSeen, err := parseSQLiteTime(firstSeenStr)
		if err != nil {
			return nil, err
		}
		lastSeen, err := parseSQLiteTime(lastSeenStr)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, PipelineSummary{
			PipelineID: pipelineID,
			TotalCost:  totalCost,
			IsPartial:  isPartial,
			SpanCount:  spanCount,
			FirstSeen:  firstSeen,
			LastSeen:   lastSeen,
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

func (s *SQLiteStore) GetTrending(ctx context.Context, filter TrendingFilter) (*TrendingResult, error) {
	column, err := trendingGroupColumn(filter.GroupBy)
	if err != nil {
		return nil, err
	}
	bucketWidth, err := trendingIntervalDuration(filter.Interval)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT time, %s, cost_total
FROM spans
WHERE time >= ? AND time < ?`, column)

	rows, err := s.db.QueryContext(ctx, query,
		filter.Start.UTC().Format(time.RFC3339Nano),
		filter.End.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query trending: %w", err)
	}
	defer rows.Close()

	type bucketAccum struct {
		costs map[string]float64
		count map[string]int
	}
	buckets := make(map[int64]*bucketAccum)

	for rows.Next() {
		var (
			timeStr string
			dim     string
			cost    sql.NullFloat64
		)
		if err := rows.Scan(&timeStr, &dim, &cost); err != nil {
			return nil, fmt.Errorf("scan trending row: %w", err)
		}
		t, err := parseSQLiteTime(timeStr)
		if err != nil {
			return nil, err
		}
		bucketTS := t.Truncate(bucketWidth).Unix()
		b, ok := buckets[bucketTS]
		if !ok {
			b = &bucketAccum{costs: map[string]float64{}, count: map[string]int{}}
			buckets[bucketTS] = b
		}
		if cost.Valid {
			b.costs[dim] += cost.Float64
			b.count[dim]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trending rows: %w", err)
	}

	var bucketTSs []int64
	for ts := range buckets {
		bucketTSs = append(bucketTSs, ts)
	}
	sort.Slice(bucketTSs, func(i, j int) bool { return bucketTSs[i] < bucketTSs[j] })

	result := &TrendingResult{}
	for _, ts := range bucketTSs {
		b := buckets[ts]
		var totalCost float64
		var totalRequests int
		var dims []string
		for dim := range b.count {
			dims = append(dims, dim)
			totalRequests += b.count[dim]
		}
		sort.Strings(dims)
		for _, dim := range dims {
			totalCost += b.costs[dim]
		}

		avgCost := 0.0
		if totalRequests > 0 {
			avgCost = totalCost / float64(totalRequests)
		}

		var breakdown []TrendingBreakdown
		for _, dim := range dims {
			pct := 0.0
			if totalCost > 0 {
				pct = b.costs[dim] / totalCost * 100.0
			}
			breakdown = append(breakdown, TrendingBreakdown{
				Key:        dim,
				Cost:       b.costs[dim],
				Percentage: pct,
			})
		}
		breakdown = sortAndTruncateBreakdown(breakdown)

		result.Buckets = append(result.Buckets, TrendingBucket{
			Timestamp:         time.Unix(ts, 0).UTC(),
			TotalCost:         totalCost,
			RequestCount:      totalRequests,
			AvgCostPerRequest: avgCost,
			Breakdown:         breakdown,
		})
	}

	return result, nil
}

func trendingGroupColumn(groupBy string) (string, error) {
	switch groupBy {
	case TrendingGroupByModel:
		return "model", nil
	case TrendingGroupByProvider:
		return "provider", nil
	case TrendingGroupByStage:
		return "stage", nil
	default:
		return "", fmt.Errorf("invalid group_by: %s. Must be one of: model, provider, stage", groupBy)
	}
}

func trendingIntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case TrendingIntervalHour:
		return time.Hour, nil
	case TrendingIntervalDay:
		return 24 * time.Hour, nil
	case TrendingIntervalWeek:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval: %s. Must be one of: hour, day, week", interval)
	}
}

func parseSQLiteTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format: %q", value)
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued spans are
// not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ClassifyWriteError(err) != WriteErrorClassContention || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer = time.NewTimer(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
