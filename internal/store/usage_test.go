package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageCounterPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewUsageStore(newTestDB(t))

	_, ok, err := s.GetCounter(ctx, "key-1", ModelKeyAll, FiveHour)
	require.NoError(t, err)
	assert.False(t, ok, "a counter that was never written must not be found")

	windowStart := time.Now().Truncate(time.Hour)
	require.NoError(t, s.PutCounter(ctx, UsageCounter{
		KeyID: "key-1", ModelID: ModelKeyAll, Window: FiveHour,
		WindowStart: &windowStart, InputTokens: 100, OutputTokens: 50, CostMicros: 12_000,
	}))

	got, ok, err := s.GetCounter(ctx, "key-1", ModelKeyAll, FiveHour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.InputTokens)
	assert.Equal(t, int64(12_000), got.CostMicros)
	require.NotNil(t, got.WindowStart)
	assert.Equal(t, windowStart.Unix(), got.WindowStart.Unix())
}

func TestUsageCounterPutIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewUsageStore(newTestDB(t))

	require.NoError(t, s.PutCounter(ctx, UsageCounter{KeyID: "key-1", ModelID: ModelKeyAll, Window: Weekly, CostMicros: 1000}))
	require.NoError(t, s.PutCounter(ctx, UsageCounter{KeyID: "key-1", ModelID: ModelKeyAll, Window: Weekly, CostMicros: 5000}))

	got, ok, err := s.GetCounter(ctx, "key-1", ModelKeyAll, Weekly)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5000), got.CostMicros, "a second Put for the same (key, model, window) must overwrite, not duplicate")
}

func TestUsageResetCounterZeroesAccumulators(t *testing.T) {
	ctx := context.Background()
	s := NewUsageStore(newTestDB(t))

	require.NoError(t, s.PutCounter(ctx, UsageCounter{KeyID: "key-1", ModelID: ModelKeyAll, Window: Total, CostMicros: 9999, InputTokens: 10}))
	require.NoError(t, s.ResetCounter(ctx, "key-1", ModelKeyAll, Total))

	got, ok, err := s.GetCounter(ctx, "key-1", ModelKeyAll, Total)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, got.CostMicros)
	assert.Zero(t, got.InputTokens)
	assert.Nil(t, got.WindowStart)
}

func TestUsageTimeSeriesBucketsAndFiltersByKey(t *testing.T) {
	ctx := context.Background()
	s := NewUsageStore(newTestDB(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEvent(ctx, UsageHistoryEvent{Timestamp: base, KeyID: "key-1", ModelID: "claude-sonnet-4-5", CostMicros: 1000, RequestCount: 1}))
	require.NoError(t, s.AppendEvent(ctx, UsageHistoryEvent{Timestamp: base.Add(30 * time.Minute), KeyID: "key-1", ModelID: "claude-sonnet-4-5", CostMicros: 2000, RequestCount: 1}))
	require.NoError(t, s.AppendEvent(ctx, UsageHistoryEvent{Timestamp: base.Add(2 * time.Hour), KeyID: "key-2", ModelID: "claude-sonnet-4-5", CostMicros: 500, RequestCount: 1}))

	points, err := s.TimeSeries(ctx, "key-1", base, base.Add(3*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 1, "both key-1 events fall in the same hourly bucket")
	assert.Equal(t, int64(3000), points[0].CostMicros)
	assert.Equal(t, int64(2), points[0].Requests)
}

func TestUsageByModelAndByKeyTotals(t *testing.T) {
	ctx := context.Background()
	s := NewUsageStore(newTestDB(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEvent(ctx, UsageHistoryEvent{Timestamp: base, KeyID: "key-1", ModelID: "claude-sonnet-4-5", CostMicros: 1000, RequestCount: 1}))
	require.NoError(t, s.AppendEvent(ctx, UsageHistoryEvent{Timestamp: base, KeyID: "key-2", ModelID: "claude-opus-4-5", CostMicros: 4000, RequestCount: 1}))

	byModel, err := s.ByModel(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude-opus-4-5", byModel[0].Dimension, "totals are ordered by cost descending")

	byKey, err := s.ByKey(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, byKey, 2)
}
