// Package metrics collects per-job sync counters and span timings.
// One Collector and one Tracer belong to one job run; nothing here is
// process-global.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// TableMetrics breaks the job counters down by table.
type TableMetrics struct {
	RowsProcessed int64 `json:"rowsProcessed"`
	RowsInserted  int64 `json:"rowsInserted"`
	RowsUpdated   int64 `json:"rowsUpdated"`
	RowsSkipped   int64 `json:"rowsSkipped"`
	Errors        int64 `json:"errors"`
}

// Snapshot is a consistent point-in-time copy of a Collector's state.
type Snapshot struct {
	RowsProcessed int64                  `json:"rowsProcessed"`
	RowsInserted  int64                  `json:"rowsInserted"`
	RowsUpdated   int64                  `json:"rowsUpdated"`
	RowsSkipped   int64                  `json:"rowsSkipped"`
	Errors        int64                  `json:"errors"`
	Retries       int64                  `json:"retries"`
	RowsPerSecond float64                `json:"rowsPerSecond"`
	PeakMemoryMB  float64                `json:"peakMemoryMb"`
	ElapsedMs     int64                  `json:"elapsedMs"`
	Tables        map[string]TableMetrics `json:"tables"`
	Spans         []Span                 `json:"spans,omitempty"`
}

// Collector accumulates row counters for one running job. Safe for
// concurrent use; the orchestrator's worker and the HTTP metrics
// endpoint read it at the same time.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	tables    map[string]*TableMetrics
	retries   int64
	peakMemMB float64
}

// NewCollector starts a collector; the rows-per-second clock runs from
// this call.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		tables:    make(map[string]*TableMetrics),
	}
}

// RecordBatch adds one batch's row counters under the given table.
func (c *Collector) RecordBatch(table string, inserted, updated, skipped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.table(table)
	t.RowsInserted += inserted
	t.RowsUpdated += updated
	t.RowsSkipped += skipped
	t.RowsProcessed += inserted + updated + skipped
}

// RecordError counts one failed operation against a table.
func (c *Collector) RecordError(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table(table).Errors++
}

// RecordRetry counts one batch retry.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

// ObserveMemory records an in-flight memory estimate; the snapshot keeps
// the peak.
func (c *Collector) ObserveMemory(mb float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mb > c.peakMemMB {
		c.peakMemMB = mb
	}
}

// Snapshot returns a consistent copy of all counters plus the derived
// throughput.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Retries:      c.retries,
		PeakMemoryMB: c.peakMemMB,
		ElapsedMs:    time.Since(c.startedAt).Milliseconds(),
		Tables:       make(map[string]TableMetrics, len(c.tables)),
	}
	for name, t := range c.tables {
		snap.Tables[name] = *t
		snap.RowsProcessed += t.RowsProcessed
		snap.RowsInserted += t.RowsInserted
		snap.RowsUpdated += t.RowsUpdated
		snap.RowsSkipped += t.RowsSkipped
		snap.Errors += t.Errors
	}
	if secs := time.Since(c.startedAt).Seconds(); secs > 0 {
		snap.RowsPerSecond = float64(snap.RowsProcessed) / secs
	}
	return snap
}

func (c *Collector) table(name string) *TableMetrics {
	t, ok := c.tables[name]
	if !ok {
		t = &TableMetrics{}
		c.tables[name] = t
	}
	return t
}

// Span is one recorded timing of a named phase.
type Span struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"durationMs"`
	Count      int64  `json:"count"`
}

// Tracer records wall-clock durations of named phases (schema inspection,
// diff, per-table copy). Durations with the same name accumulate.
type Tracer struct {
	mu    sync.Mutex
	spans map[string]*Span
}

// NewTracer creates an empty tracer.
func NewTracer() *Tracer {
	return &Tracer{spans: make(map[string]*Span)}
}

// Start begins a span and returns its stop function:
//
//	stop := tr.Start("schema_inspect")
//	defer stop()
func (t *Tracer) Start(name string) func() {
	begin := time.Now()
	return func() {
		t.Record(name, time.Since(begin))
	}
}

// Record adds one duration under a span name.
func (t *Tracer) Record(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.spans[name]
	if !ok {
		s = &Span{Name: name}
		t.spans[name] = s
	}
	s.DurationMs += d.Milliseconds()
	s.Count++
}

// Spans returns all recorded spans sorted by name.
func (t *Tracer) Spans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Span, 0, len(t.spans))
	for _, s := range t.spans {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
