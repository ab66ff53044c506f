package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(o *Optimizer, table string, size int, rows, durMs int64) {
	o.RecordResult(Result{
		TableName:       table,
		BatchSize:       size,
		RowCount:        rows,
		AvgRowSizeBytes: 512,
		DurationMs:      durMs,
		Success:         true,
		Timestamp:       time.Now(),
	})
}

func TestRecommendSeedsFromMemoryCeiling(t *testing.T) {
	o := New(Config{MinBatchSize: 100, MaxBatchSize: 10000, MaxMemoryMB: 1, TargetBatchTimeMs: 2000})

	// 1 MB ceiling at 1 KB rows -> 1024 rows.
	rec := o.Recommend("users", 1024)

	assert.Equal(t, 1024, rec.BatchSize)
	assert.Equal(t, ConfidenceLow, rec.Confidence)
	assert.InDelta(t, 1.0, rec.EstimatedMemoryMB, 0.01)
}

func TestRecommendSeedClampsToMaxBatchSize(t *testing.T) {
	o := New(Config{MinBatchSize: 100, MaxBatchSize: 5000, MaxMemoryMB: 100, TargetBatchTimeMs: 2000})

	rec := o.Recommend("users", 64)
	assert.Equal(t, 5000, rec.BatchSize)
}

func TestRecommendGrowsAfterFastBatch(t *testing.T) {
	o := New(DefaultConfig())
	// 1000 rows in 400ms: well under half the 2000ms target.
	record(o, "users", 1000, 1000, 400)

	rec := o.Recommend("users", 512)

	prev := 1000
	assert.Greater(t, rec.BatchSize, prev)
	assert.LessOrEqual(t, rec.BatchSize, prev*3/2, "growth is capped at +50%")
	assert.Equal(t, ConfidenceLow, rec.Confidence)
}

func TestRecommendShrinksAfterSlowBatch(t *testing.T) {
	o := New(DefaultConfig())
	// 5000 rows in 8000ms: well over 150% of the 2000ms target.
	record(o, "users", 5000, 5000, 8000)

	rec := o.Recommend("users", 512)

	prev := 5000
	assert.Less(t, rec.BatchSize, prev)
	assert.GreaterOrEqual(t, rec.BatchSize, prev/2, "shrink is capped at -50%")
}

func TestRecommendNeverExceedsMemoryCeiling(t *testing.T) {
	o := New(Config{MinBatchSize: 100, MaxBatchSize: 10000, MaxMemoryMB: 1, TargetBatchTimeMs: 2000})

	// Repeated instant batches push the controller toward aggressive growth.
	size := 100
	for i := 0; i < 15; i++ {
		record(o, "events", size, int64(size), 10)
		rec := o.Recommend("events", 4096)
		// 1 MB at 4 KB rows caps at 256 rows.
		assert.LessOrEqual(t, rec.BatchSize, 256)
		size = rec.BatchSize
	}
}

func TestRecommendStaysWithinBounds(t *testing.T) {
	cfg := Config{MinBatchSize: 200, MaxBatchSize: 3000, MaxMemoryMB: 100, TargetBatchTimeMs: 2000}
	o := New(cfg)

	for _, dur := range []int64{1, 50, 500, 5000, 50000} {
		record(o, "t", 1000, 1000, dur)
		rec := o.Recommend("t", 128)
		assert.GreaterOrEqual(t, rec.BatchSize, cfg.MinBatchSize)
		assert.LessOrEqual(t, rec.BatchSize, cfg.MaxBatchSize)
	}
}

func TestConfidenceGrowsWithSamples(t *testing.T) {
	o := New(DefaultConfig())

	assert.Equal(t, ConfidenceLow, o.Recommend("t", 512).Confidence)

	for i := 0; i < 3; i++ {
		record(o, "t", 1000, 1000, 2000)
	}
	assert.Equal(t, ConfidenceMedium, o.Recommend("t", 512).Confidence)

	for i := 0; i < 7; i++ {
		record(o, "t", 1000, 1000, 2000)
	}
	assert.Equal(t, ConfidenceHigh, o.Recommend("t", 512).Confidence)
}

func TestHistoryIsBounded(t *testing.T) {
	o := New(DefaultConfig())
	for i := 0; i < 50; i++ {
		record(o, "t", 1000, 1000, 2000)
	}
	require.Len(t, o.history["t"], historyLimit)
}

func TestHistoryIsPerTable(t *testing.T) {
	o := New(DefaultConfig())
	record(o, "fast", 1000, 1000, 100)

	// A table with no history of its own seeds from memory, not from
	// another table's timings.
	rec := o.Recommend("other", 1024)
	assert.Equal(t, ConfidenceLow, rec.Confidence)
}

func TestFailedBatchesDoNotFeedTiming(t *testing.T) {
	o := New(DefaultConfig())
	o.RecordResult(Result{TableName: "t", BatchSize: 1000, RowCount: 0, DurationMs: 30000, Success: false})

	rec := o.Recommend("t", 1024)
	assert.Equal(t, ConfidenceLow, rec.Confidence)
}

func TestKnownRowSize(t *testing.T) {
	o := New(DefaultConfig())
	assert.Zero(t, o.KnownRowSize("t"))

	record(o, "t", 1000, 1000, 2000)
	assert.Equal(t, int64(512), o.KnownRowSize("t"))

	// A caller passing 0 falls back to the recorded size.
	rec := o.Recommend("t", 0)
	assert.Greater(t, rec.EstimatedMemoryMB, 0.0)
}
