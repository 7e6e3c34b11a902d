package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Window names a rolling accounting window (spec §3, §4.4).
type Window string

const (
	FiveHour Window = "five_hour"
	Weekly   Window = "weekly"
	Total    Window = "total"
)

// ModelKeyAll is the model_id stored for a key-level (not per-model)
// counter row.
const ModelKeyAll = ""

// UsageCounter is one (key, optional model, window) accumulator.
type UsageCounter struct {
	KeyID   string
	ModelID string
	Window  Window

	WindowStart *time.Time

	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostMicros       int64
}

// UsageHistoryEvent is one append-only accounting record (spec §3).
type UsageHistoryEvent struct {
	Timestamp        time.Time
	KeyID            string
	ModelID          string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostMicros       int64
	RequestCount     int64
}

// UsageStore persists usage counters and the append-only history log (C3).
type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// GetCounter reads the counter row for (keyID, modelID, window), or the
// zero value with ok=false if it has never been recorded.
func (s *UsageStore) GetCounter(ctx context.Context, keyID, modelID string, window Window) (UsageCounter, bool, error) {
	var c UsageCounter
	var windowStart sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT key_id, model_id, window, window_start, input_tokens, output_tokens,
		       cache_read_tokens, cache_write_tokens, cost_microdollars
		FROM usage_counters WHERE key_id = ? AND model_id = ? AND window = ?`,
		keyID, modelID, string(window)).
		Scan(&c.KeyID, &c.ModelID, &c.Window, &windowStart, &c.InputTokens, &c.OutputTokens,
			&c.CacheReadTokens, &c.CacheWriteTokens, &c.CostMicros)
	if err == sql.ErrNoRows {
		return UsageCounter{}, false, nil
	}
	if err != nil {
		return UsageCounter{}, false, fmt.Errorf("reading usage counter: %w", err)
	}
	if windowStart.Valid {
		t := time.Unix(windowStart.Int64, 0)
		c.WindowStart = &t
	}
	return c, true, nil
}

// PutCounter overwrites the counter row, creating it lazily if absent
// (spec §3 UsageCounter lifecycle).
func (s *UsageStore) PutCounter(ctx context.Context, c UsageCounter) error {
	var windowStart sql.NullInt64
	if c.WindowStart != nil {
		windowStart = sql.NullInt64{Int64: c.WindowStart.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (key_id, model_id, window, window_start, input_tokens,
			output_tokens, cache_read_tokens, cache_write_tokens, cost_microdollars)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_id, model_id, window) DO UPDATE SET
			window_start = excluded.window_start,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			cost_microdollars = excluded.cost_microdollars`,
		c.KeyID, c.ModelID, string(c.Window), windowStart, c.InputTokens, c.OutputTokens,
		c.CacheReadTokens, c.CacheWriteTokens, c.CostMicros)
	if err != nil {
		return fmt.Errorf("storing usage counter: %w", err)
	}
	return nil
}

// ResetCounter clears one window's counter for (keyID, modelID). An empty
// modelID resets the key-level counter only.
func (s *UsageStore) ResetCounter(ctx context.Context, keyID, modelID string, window Window) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_counters SET input_tokens = 0, output_tokens = 0, cache_read_tokens = 0,
			cache_write_tokens = 0, cost_microdollars = 0, window_start = NULL
		WHERE key_id = ? AND model_id = ? AND window = ?`, keyID, modelID, string(window))
	if err != nil {
		return fmt.Errorf("resetting usage counter: %w", err)
	}
	return nil
}

// AppendEvent appends a usage-history record (spec §3 UsageHistoryEvent).
func (s *UsageStore) AppendEvent(ctx context.Context, e UsageHistoryEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history_events (ts, key_id, model_id, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_microdollars, request_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Unix(), e.KeyID, e.ModelID, e.InputTokens, e.OutputTokens,
		e.CacheReadTokens, e.CacheWriteTokens, e.CostMicros, e.RequestCount)
	if err != nil {
		return fmt.Errorf("appending usage history event: %w", err)
	}
	return nil
}

// TimeSeriesPoint is one bucket of the §4.8 time-series aggregate.
type TimeSeriesPoint struct {
	BucketStart      time.Time
	CostMicros       int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Requests         int64
}

// TimeSeries buckets usage-history events into hourly or daily buckets
// between from and to (inclusive), optionally filtered to one key.
func (s *UsageStore) TimeSeries(ctx context.Context, keyID string, from, to time.Time, bucket time.Duration) ([]TimeSeriesPoint, error) {
	bucketSeconds := int64(bucket.Seconds())
	if bucketSeconds <= 0 {
		return nil, fmt.Errorf("bucket duration must be positive")
	}

	query := `
		SELECT (ts / ?) * ? AS bucket_start,
		       SUM(cost_microdollars), SUM(input_tokens), SUM(output_tokens),
		       SUM(cache_read_tokens), SUM(cache_write_tokens), SUM(request_count)
		FROM usage_history_events
		WHERE ts >= ? AND ts <= ?`
	args := []any{bucketSeconds, bucketSeconds, from.Unix(), to.Unix()}
	if keyID != "" {
		query += ` AND key_id = ?`
		args = append(args, keyID)
	}
	query += ` GROUP BY bucket_start ORDER BY bucket_start ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating time series: %w", err)
	}
	defer rows.Close()

	var out []TimeSeriesPoint
	for rows.Next() {
		var p TimeSeriesPoint
		var bucketStart int64
		if err := rows.Scan(&bucketStart, &p.CostMicros, &p.InputTokens, &p.OutputTokens, &p.CacheReadTokens, &p.CacheWriteTokens, &p.Requests); err != nil {
			return nil, fmt.Errorf("scanning time series point: %w", err)
		}
		p.BucketStart = time.Unix(bucketStart, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Totals is a sum of usage over a group-by dimension (model or key).
type Totals struct {
	Dimension        string
	CostMicros       int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Requests         int64
}

func (s *UsageStore) ByModel(ctx context.Context, from, to time.Time) ([]Totals, error) {
	return s.totalsBy(ctx, "model_id", from, to)
}

func (s *UsageStore) ByKey(ctx context.Context, from, to time.Time) ([]Totals, error) {
	return s.totalsBy(ctx, "key_id", from, to)
}

func (s *UsageStore) totalsBy(ctx context.Context, column string, from, to time.Time) ([]Totals, error) {
	query := fmt.Sprintf(`
		SELECT %s, SUM(cost_microdollars), SUM(input_tokens), SUM(output_tokens),
		       SUM(cache_read_tokens), SUM(cache_write_tokens), SUM(request_count)
		FROM usage_history_events
		WHERE ts >= ? AND ts <= ?
		GROUP BY %s ORDER BY SUM(cost_microdollars) DESC`, column, column)

	rows, err := s.db.QueryContext(ctx, query, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("aggregating totals by %s: %w", column, err)
	}
	defer rows.Close()

	var out []Totals
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.Dimension, &t.CostMicros, &t.InputTokens, &t.OutputTokens, &t.CacheReadTokens, &t.CacheWriteTokens, &t.Requests); err != nil {
			return nil, fmt.Errorf("scanning totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
