// Package batch contains the self-tuning batch size controller. It keeps
// per-table performance history and recommends the next batch's row count,
// balancing wall-clock time against a hard memory ceiling.
package batch

import (
	"sync"
	"time"
)

// historyLimit bounds per-table history; the oldest entry is evicted.
const historyLimit = 20

// recentWindow is how many recent batches feed the per-row timing average.
const recentWindow = 5

// Confidence grades how much history backs a recommendation.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"    // no or little history
	ConfidenceMedium Confidence = "medium" // at least 3 samples
	ConfidenceHigh   Confidence = "high"   // at least 10 samples
)

// Config bounds the controller. Every recommendation respects
// [MinBatchSize, MaxBatchSize] and never implies more than MaxMemoryMB
// of row data in flight.
type Config struct {
	MinBatchSize      int
	MaxBatchSize      int
	MaxMemoryMB       float64
	TargetBatchTimeMs int64
}

// DefaultConfig returns controller bounds suited to copying between two
// managed Postgres instances over the public internet.
func DefaultConfig() Config {
	return Config{
		MinBatchSize:      100,
		MaxBatchSize:      10000,
		MaxMemoryMB:       100,
		TargetBatchTimeMs: 2000,
	}
}

// Result records one completed batch. Append-only input to the controller.
type Result struct {
	TableName       string
	BatchSize       int
	RowCount        int64
	AvgRowSizeBytes int64
	DurationMs      int64
	Success         bool
	Timestamp       time.Time
}

// Recommendation is the controller's output for one upcoming batch.
type Recommendation struct {
	BatchSize         int
	Confidence        Confidence
	EstimatedTimeMs   int64
	EstimatedMemoryMB float64
}

// Optimizer recommends batch sizes from per-table history. One instance
// belongs to one orchestrator; history never bleeds across jobs.
// Safe for concurrent use.
type Optimizer struct {
	mu         sync.Mutex
	cfg        Config
	history    map[string][]Result
	avgRowSize map[string]int64
}

// New creates an Optimizer with the given bounds. Zero-valued fields fall
// back to DefaultConfig.
func New(cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = def.MinBatchSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}
	if cfg.TargetBatchTimeMs <= 0 {
		cfg.TargetBatchTimeMs = def.TargetBatchTimeMs
	}
	return &Optimizer{
		cfg:        cfg,
		history:    make(map[string][]Result),
		avgRowSize: make(map[string]int64),
	}
}

// Recommend returns the next batch size for a table. With no history the
// size is seeded from the memory ceiling alone at low confidence; with
// history it targets TargetBatchTimeMs using the recent per-row average,
// reacting to the immediately preceding batch: +50% when it ran in under
// half the target time, -25% when it overran by half. The result is
// always re-clamped to the memory ceiling and [min, max] bounds.
func (o *Optimizer) Recommend(tableName string, avgRowSizeBytes int64) Recommendation {
	o.mu.Lock()
	defer o.mu.Unlock()

	if avgRowSizeBytes <= 0 {
		avgRowSizeBytes = o.avgRowSize[tableName]
	}
	if avgRowSizeBytes <= 0 {
		avgRowSizeBytes = 1
	}

	memCeiling := int(o.cfg.MaxMemoryMB * 1024 * 1024 / float64(avgRowSizeBytes))
	if memCeiling < 1 {
		memCeiling = 1
	}

	succeeded := successfulHistory(o.history[tableName])
	if len(succeeded) == 0 {
		size := clamp(memCeiling, o.cfg.MinBatchSize, o.cfg.MaxBatchSize)
		if size > memCeiling {
			size = memCeiling
		}
		return Recommendation{
			BatchSize:         size,
			Confidence:        ConfidenceLow,
			EstimatedTimeMs:   o.cfg.TargetBatchTimeMs,
			EstimatedMemoryMB: memoryMB(size, avgRowSizeBytes),
		}
	}

	recent := succeeded
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	var totalMs, totalRows int64
	for _, r := range recent {
		totalMs += r.DurationMs
		totalRows += r.RowCount
	}
	if totalRows < 1 {
		totalRows = 1
	}
	perRowMs := float64(totalMs) / float64(totalRows)
	if perRowMs <= 0 {
		perRowMs = 0.001
	}

	size := int(float64(o.cfg.TargetBatchTimeMs) / perRowMs)

	last := succeeded[len(succeeded)-1]
	switch {
	case last.DurationMs < o.cfg.TargetBatchTimeMs/2:
		size = size * 3 / 2
	case last.DurationMs > o.cfg.TargetBatchTimeMs*3/2:
		size = size * 3 / 4
	}

	// Bounded reaction: never move more than +50%/-50% past the previous
	// batch, whatever the timing math says.
	if max := last.BatchSize * 3 / 2; size > max {
		size = max
	}
	if min := last.BatchSize / 2; size < min {
		size = min
	}

	size = clamp(size, o.cfg.MinBatchSize, o.cfg.MaxBatchSize)
	if size > memCeiling {
		size = memCeiling
	}
	if size < 1 {
		size = 1
	}

	return Recommendation{
		BatchSize:         size,
		Confidence:        confidenceFor(len(succeeded)),
		EstimatedTimeMs:   int64(perRowMs * float64(size)),
		EstimatedMemoryMB: memoryMB(size, avgRowSizeBytes),
	}
}

// RecordResult appends one batch outcome to the table's bounded history
// and refreshes the table's known average row size.
func (o *Optimizer) RecordResult(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := append(o.history[res.TableName], res)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	o.history[res.TableName] = h

	if res.AvgRowSizeBytes > 0 {
		o.avgRowSize[res.TableName] = res.AvgRowSizeBytes
	}
}

// KnownRowSize returns the last recorded average row size for a table,
// or 0 when the table has no history.
func (o *Optimizer) KnownRowSize(tableName string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.avgRowSize[tableName]
}

func successfulHistory(h []Result) []Result {
	out := make([]Result, 0, len(h))
	for _, r := range h {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

func confidenceFor(samples int) Confidence {
	switch {
	case samples >= 10:
		return ConfidenceHigh
	case samples >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func memoryMB(size int, rowBytes int64) float64 {
	return float64(size) * float64(rowBytes) / (1024 * 1024)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
