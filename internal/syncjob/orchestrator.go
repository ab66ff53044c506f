package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbforge/pgbridge/internal/artifact"
	"github.com/dbforge/pgbridge/internal/batch"
	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/diff"
	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/logger"
	"github.com/dbforge/pgbridge/internal/metrics"
	"github.com/dbforge/pgbridge/internal/migrate"
	"github.com/dbforge/pgbridge/internal/progress"
	"github.com/dbforge/pgbridge/internal/schema"
)

// maxActiveJobsPerUser caps pending+running jobs per user. Submissions
// past the cap are rejected, not queued.
const maxActiveJobsPerUser = 3

// batchWriteAttempts is how many times one batch write is retried before
// the job fails.
const batchWriteAttempts = 3

// Sentinels for boundary-checked control flags.
var (
	errPaused  = errors.New("pause requested")
	errStopped = errors.New("stop requested")
)

// runState is the in-memory control block of one running job.
type runState struct {
	pause     atomic.Bool
	stop      atomic.Bool
	collector *metrics.Collector
	tracer    *metrics.Tracer
	optimizer *batch.Optimizer

	mu   sync.Mutex
	prog Progress
}

func (rs *runState) setProgress(p Progress) {
	rs.mu.Lock()
	rs.prog = p
	rs.mu.Unlock()
}

func (rs *runState) progress() Progress {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.prog
}

// Orchestrator drives sync jobs through their lifecycle: creation behind
// the production gate and concurrency cap, pre-flight dry runs, the
// batched transfer loop with checkpointing, and boundary-checked pause
// and stop.
type Orchestrator struct {
	store     Store
	provider  ConnectionProvider
	broker    *progress.Broker
	engine    *diff.Engine
	log       *logger.Logger
	batchCfg  batch.Config
	artifacts artifact.Store // nil disables run-report uploads

	mu      sync.Mutex
	running map[string]*runState
}

// NewOrchestrator wires an orchestrator. broker may be nil when no live
// progress consumer exists.
func NewOrchestrator(store Store, provider ConnectionProvider, broker *progress.Broker, log *logger.Logger, batchCfg batch.Config) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if broker == nil {
		broker = progress.NewBroker()
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		broker:   broker,
		engine:   diff.NewEngine(log),
		log:      log,
		batchCfg: batchCfg,
		running:  make(map[string]*runState),
	}
}

// Broker exposes the progress broker for transport layers.
func (o *Orchestrator) Broker() *progress.Broker { return o.broker }

// SetArtifactStore enables run-report uploads for terminal jobs. Optional;
// call before any job runs.
func (o *Orchestrator) SetArtifactStore(s artifact.Store) { o.artifacts = s }

// Create validates a spec, enforces the production confirmation gate and
// the per-user concurrency cap, and persists a pending job. The gate is
// checked here once; Run does not re-check it.
func (o *Orchestrator) Create(ctx context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	target, err := o.provider.Get(ctx, spec.TargetConnectionID, spec.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := o.provider.Get(ctx, spec.SourceConnectionID, spec.UserID); err != nil {
		return nil, err
	}

	if target.Environment == EnvProduction && spec.ConfirmationToken != target.DisplayName {
		return nil, errs.Newf(errs.ErrKindInvalidInput,
			"target %q is production: confirmation token must match its display name", target.DisplayName)
	}

	active, err := o.store.CountActive(ctx, spec.UserID)
	if err != nil {
		return nil, err
	}
	if active >= maxActiveJobsPerUser {
		return nil, errs.Newf(errs.ErrKindLimitExceeded,
			"user has %d active jobs; limit is %d", active, maxActiveJobsPerUser)
	}

	job, err := o.store.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	_ = o.store.AppendLog(ctx, job.ID, "info", "job created")
	o.log.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Msg("sync job created")
	return job, nil
}

// DryRun computes the schema diff and remediation plan for a job without
// moving any data.
func (o *Orchestrator) DryRun(ctx context.Context, jobID, userID string) (*diff.SchemaDiff, *migrate.Plan, error) {
	job, err := o.store.GetByID(ctx, jobID, userID)
	if err != nil {
		return nil, nil, err
	}
	return o.PlanMigration(ctx, userID, job.SourceConnectionID, job.TargetConnectionID, job.EnabledTables())
}

// PlanMigration computes the diff and remediation plan for an arbitrary
// connection pair, no job required.
func (o *Orchestrator) PlanMigration(ctx context.Context, userID, sourceID, targetID string, tables []string) (*diff.SchemaDiff, *migrate.Plan, error) {
	srcConn, err := o.provider.Get(ctx, sourceID, userID)
	if err != nil {
		return nil, nil, err
	}
	dstConn, err := o.provider.Get(ctx, targetID, userID)
	if err != nil {
		return nil, nil, err
	}
	srcDB, err := o.provider.Open(ctx, srcConn)
	if err != nil {
		return nil, nil, err
	}
	dstDB, err := o.provider.Open(ctx, dstConn)
	if err != nil {
		return nil, nil, err
	}

	srcSnap, err := schema.NewInspector(srcDB).Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	dstSnap, err := schema.NewInspector(dstDB).Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	d, err := o.engine.Calculate(ctx, srcDB, dstDB, srcSnap, dstSnap, tables)
	if err != nil {
		return nil, nil, err
	}
	return d, migrate.Generate(d), nil
}

// ApplyMigration generates the remediation plan for a connection pair and
// executes its safe portion against the target, statement by statement.
// Production targets reuse the job-creation confirmation gate: token must
// equal the target's display name. Breaking scripts stay in the plan's
// ManualReview list and are never executed here.
func (o *Orchestrator) ApplyMigration(ctx context.Context, userID, sourceID, targetID, token string, tables []string) (*migrate.Plan, *migrate.ExecReport, error) {
	dstConn, err := o.provider.Get(ctx, targetID, userID)
	if err != nil {
		return nil, nil, err
	}
	if dstConn.Environment == EnvProduction && token != dstConn.DisplayName {
		return nil, nil, errs.Newf(errs.ErrKindInvalidInput,
			"target %q is production: confirmation token must match its display name", dstConn.DisplayName)
	}

	_, plan, err := o.PlanMigration(ctx, userID, sourceID, targetID, tables)
	if err != nil {
		return nil, nil, err
	}
	if plan.CombinedSQL == "" {
		return plan, &migrate.ExecReport{}, nil
	}

	dstDB, err := o.provider.Open(ctx, dstConn)
	if err != nil {
		return nil, nil, err
	}
	report, err := migrate.NewExecutor(o.log).Run(ctx, dstDB, plan.CombinedSQL)
	if err != nil {
		return plan, report, err
	}
	o.log.Info().Str("target", targetID).
		Int("succeeded", report.Succeeded).Int("failed", report.Failed).
		Msg("migration plan applied")
	return plan, report, nil
}

// Pause requests a pause at the next batch boundary. The job stays
// running until the in-flight batch commits.
func (o *Orchestrator) Pause(ctx context.Context, jobID, userID string) error {
	if _, err := o.store.GetByID(ctx, jobID, userID); err != nil {
		return err
	}
	rs := o.state(jobID)
	if rs == nil {
		return errs.Newf(errs.ErrKindInvalidInput, "job %s is not running", jobID)
	}
	rs.pause.Store(true)
	return o.store.AppendLog(ctx, jobID, "info", "pause requested")
}

// Stop requests termination at the next batch boundary. The job lands in
// failed status with completedAt set; the job log carries the operator
// stop line that distinguishes it from a genuine failure.
func (o *Orchestrator) Stop(ctx context.Context, jobID, userID string) error {
	if _, err := o.store.GetByID(ctx, jobID, userID); err != nil {
		return err
	}
	rs := o.state(jobID)
	if rs == nil {
		return errs.Newf(errs.ErrKindInvalidInput, "job %s is not running", jobID)
	}
	rs.stop.Store(true)
	return o.store.AppendLog(ctx, jobID, "info", "stop requested")
}

// Resume validates a restart request: the job must be paused or failed,
// and the owner must be back under the active-job cap before it can be
// handed to the worker pool again.
func (o *Orchestrator) Resume(ctx context.Context, jobID, userID string) error {
	job, err := o.store.GetByID(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused && job.Status != StatusFailed {
		return errs.Newf(errs.ErrKindConflict,
			"job %s cannot resume from status %s", jobID, job.Status)
	}
	active, err := o.store.CountActive(ctx, userID)
	if err != nil {
		return err
	}
	if active >= maxActiveJobsPerUser {
		return errs.Newf(errs.ErrKindLimitExceeded,
			"user has %d active jobs; limit is %d", active, maxActiveJobsPerUser)
	}
	return nil
}

// DeleteJob removes a terminal job, its logs, and its retained progress
// event. Pending, running, and paused jobs must be stopped first.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID, userID string) error {
	job, err := o.store.GetByID(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return errs.Newf(errs.ErrKindConflict,
			"job %s is %s; only completed or failed jobs can be deleted", jobID, job.Status)
	}
	if err := o.store.Delete(ctx, jobID, userID); err != nil {
		return err
	}
	o.broker.Forget(jobID)
	o.log.Info().Str("job_id", jobID).Msg("sync job deleted")
	return nil
}

// Metrics returns the live counters of a running job, or false when the
// job is not currently executing.
func (o *Orchestrator) Metrics(jobID string) (metrics.Snapshot, bool) {
	rs := o.state(jobID)
	if rs == nil {
		return metrics.Snapshot{}, false
	}
	snap := rs.collector.Snapshot()
	snap.Spans = rs.tracer.Spans()
	return snap, true
}

func (o *Orchestrator) state(jobID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[jobID]
}

// Run executes a job to a terminal or paused state. It blocks until done
// and is normally invoked from a worker pool. Valid from pending, paused,
// and failed (retry); a checkpoint, when present, is resumed from.
func (o *Orchestrator) Run(ctx context.Context, jobID, userID string) error {
	job, err := o.store.GetByID(ctx, jobID, userID)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusPending, StatusPaused, StatusFailed:
	default:
		return errs.Newf(errs.ErrKindInvalidInput,
			"job %s cannot start from status %s", jobID, job.Status)
	}

	rs := &runState{
		collector: metrics.NewCollector(),
		tracer:    metrics.NewTracer(),
		optimizer: batch.New(o.batchCfg),
	}
	o.mu.Lock()
	if _, dup := o.running[jobID]; dup {
		o.mu.Unlock()
		return errs.Newf(errs.ErrKindConflict, "job %s is already running", jobID)
	}
	o.running[jobID] = rs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	now := time.Now().UTC()
	running := StatusRunning
	if err := o.store.Update(ctx, jobID, Patch{Status: &running, StartedAt: &now}); err != nil {
		return err
	}
	_ = o.store.AppendLog(ctx, jobID, "info", "job started")
	o.log.Info().Str("job_id", jobID).Msg("sync job running")

	runErr := o.execute(ctx, job, rs)
	return o.finish(ctx, job, rs, runErr)
}

// execute is the transfer loop proper: inspect, gate on critical issues,
// then per-table batched copy. Returns errPaused/errStopped for
// control-flag exits.
func (o *Orchestrator) execute(ctx context.Context, job *Job, rs *runState) error {
	srcDB, dstDB, err := o.openPair(ctx, job)
	if err != nil {
		return err
	}

	stopInspect := rs.tracer.Start("schema_inspect")
	srcSnap, err := schema.NewInspector(srcDB).Snapshot(ctx)
	if err != nil {
		stopInspect()
		return err
	}
	dstSnap, err := schema.NewInspector(dstDB).Snapshot(ctx)
	stopInspect()
	if err != nil {
		return err
	}

	stopDiff := rs.tracer.Start("schema_diff")
	d, err := o.engine.Calculate(ctx, srcDB, dstDB, srcSnap, dstSnap, job.EnabledTables())
	stopDiff()
	if err != nil {
		return err
	}
	if d.Blocked() {
		critical := d.CountBySeverity(diff.SeverityCritical)
		if !job.Force {
			return errs.Newf(errs.ErrKindSchemaIncompatible,
				"schema has %d critical issues; run the migration plan first", critical)
		}
		_ = o.store.AppendLog(ctx, job.ID, "warn",
			fmt.Sprintf("forced start past %d critical schema issues; incompatible rows may fail to write", critical))
		o.log.Warn().Str("job_id", job.ID).Int("critical_issues", critical).
			Msg("critical schema issues overridden by forced start")
	}

	plan := o.buildPlan(job, srcDB, dstDB, srcSnap, dstSnap)

	cp := Checkpoint{}
	if job.Checkpoint != nil {
		cp = *job.Checkpoint
	}
	if cp.CurrentTableIndex > len(plan) {
		cp = Checkpoint{}
	}

	var totalRows int64
	for _, step := range plan {
		totalRows += step.table.ApproxRows
	}

	for ti := cp.CurrentTableIndex; ti < len(plan); ti++ {
		step := plan[ti]
		if ti != cp.CurrentTableIndex {
			cp = Checkpoint{CurrentTableIndex: ti}
		}

		var base int64
		for i := 0; i < ti; i++ {
			base += plan[i].table.ApproxRows
		}

		stopCopy := rs.tracer.Start("copy:" + step.table.Name)
		err := o.syncTable(ctx, job, rs, step, ti, len(plan), &cp, base, totalRows)
		stopCopy()
		if err != nil {
			return err
		}
	}
	return nil
}

// tableStep is one unit of the transfer plan: a table, its endpoints,
// and its resolved conflict behavior.
type tableStep struct {
	table   *schema.TableSchema
	src     database.DB
	dst     database.DB
	res     resolution
	reverse bool
}

// buildPlan expands the job's enabled tables into ordered steps. Two-way
// jobs append a reverse pass after the forward pass; checkpoint table
// indices span both passes.
func (o *Orchestrator) buildPlan(job *Job, srcDB, dstDB database.DB, srcSnap, dstSnap *schema.Snapshot) []tableStep {
	var plan []tableStep
	for i := range job.TablesConfig {
		tc := &job.TablesConfig[i]
		if !tc.Enabled {
			continue
		}
		t := srcSnap.Table(tc.TableName)
		if t == nil {
			continue
		}
		plan = append(plan, tableStep{
			table: t, src: srcDB, dst: dstDB,
			res: resolveStrategy(tc, t),
		})
	}

	if job.Direction == DirectionTwoWay {
		for i := range job.TablesConfig {
			tc := &job.TablesConfig[i]
			if !tc.Enabled {
				continue
			}
			t := dstSnap.Table(tc.TableName)
			if t == nil {
				continue
			}
			plan = append(plan, tableStep{
				table: t, src: dstDB, dst: srcDB,
				res:     reverseResolution(resolveStrategy(tc, t), tc),
				reverse: true,
			})
		}
	}
	return plan
}

// syncTable copies one table batch by batch, committing each batch in its
// own transaction and flushing the checkpoint before the next batch
// starts. Control flags are checked only here, at batch boundaries.
func (o *Orchestrator) syncTable(
	ctx context.Context,
	job *Job,
	rs *runState,
	step tableStep,
	tableIndex, tableCount int,
	cp *Checkpoint,
	baseRows, totalRows int64,
) error {
	table := step.table
	keys := table.PrimaryKey()
	if len(keys) == 0 {
		msg := fmt.Sprintf("table %s has no primary key; skipped (idempotent upserts need one)", table.Name)
		_ = o.store.AppendLog(ctx, job.ID, "warn", msg)
		o.log.Warn().Str("job_id", job.ID).Str("table", table.Name).Msg("table skipped: no primary key")
		return nil
	}
	if step.res.warning != "" && cp.RowsDoneForTable == 0 {
		_ = o.store.AppendLog(ctx, job.ID, "warn", step.res.warning)
	}

	cols := table.ColumnNames()
	keyIdx := make([]int, len(keys))
	for i, k := range keys {
		for j, c := range cols {
			if c == k {
				keyIdx[i] = j
			}
		}
	}

	lastKey := cp.LastProcessedKey
	for {
		if rs.stop.Load() {
			return errStopped
		}
		if rs.pause.Load() {
			return errPaused
		}
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.ErrKindTimeout, "sync cancelled", err)
		}

		avgRow := table.AvgRowBytes()
		if avgRow <= 1 {
			// No planner stats; fall back to the size recorded by earlier
			// batches of this run.
			if known := rs.optimizer.KnownRowSize(table.Name); known > 0 {
				avgRow = known
			}
		}
		rec := rs.optimizer.Recommend(table.Name, avgRow)
		if maxRows := database.MaxBatchRows(len(cols)); rec.BatchSize > maxRows {
			// Wide tables hit the statement's bind parameter limit before
			// the optimizer's memory ceiling does.
			rec.BatchSize = maxRows
		}
		rs.collector.ObserveMemory(rec.EstimatedMemoryMB)

		rows, err := o.readBatch(ctx, step.src, table.Name, cols, keys, lastKey, rec.BatchSize)
		if err != nil {
			rs.collector.RecordError(table.Name)
			return err
		}
		if len(rows) == 0 {
			break
		}

		start := time.Now()
		inserted, updated, skipped, err := o.writeBatch(ctx, job, rs, step, cols, keys, keyIdx, rows)
		if err != nil {
			rs.collector.RecordError(table.Name)
			return err
		}

		lastRow := rows[len(rows)-1]
		lastKey = make([]any, len(keyIdx))
		for i, idx := range keyIdx {
			lastKey[i] = lastRow[idx]
		}
		cp.LastProcessedKey = lastKey
		cp.RowsDoneForTable += int64(len(rows))

		rs.optimizer.RecordResult(batch.Result{
			TableName:       table.Name,
			BatchSize:       rec.BatchSize,
			RowCount:        int64(len(rows)),
			AvgRowSizeBytes: table.AvgRowBytes(),
			DurationMs:      time.Since(start).Milliseconds(),
			Success:         true,
			Timestamp:       time.Now(),
		})
		rs.collector.RecordBatch(table.Name, inserted, updated, skipped)

		prog := o.progressFor(rs, table.Name, tableIndex, tableCount,
			baseRows+cp.RowsDoneForTable, totalRows, "")
		rs.setProgress(prog)

		// The checkpoint must be durable before the next batch starts so a
		// resume never replays more than one batch.
		cpCopy := *cp
		if err := o.store.Update(ctx, job.ID, Patch{Checkpoint: &cpCopy, Progress: &prog}); err != nil {
			return err
		}
		o.publish(job.ID, StatusRunning, prog)

		if len(rows) < rec.BatchSize {
			break
		}
	}
	return nil
}

// readBatch pulls the next keyset page from the source table.
func (o *Orchestrator) readBatch(
	ctx context.Context,
	db database.DB,
	table string,
	cols, keys []string,
	lastKey []any,
	limit int,
) ([][]any, error) {
	sql := database.BatchSelect(table, cols, keys, len(lastKey) > 0, limit)
	rows, err := db.Query(ctx, sql, lastKey...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "reading batch row", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeBatch applies one batch to the destination in a single transaction,
// retrying transient failures. Returns the inserted/updated/skipped split.
func (o *Orchestrator) writeBatch(
	ctx context.Context,
	job *Job,
	rs *runState,
	step tableStep,
	cols, keys []string,
	keyIdx []int,
	rows [][]any,
) (inserted, updated, skipped int64, err error) {
	n := int64(len(rows))

	// The existing-key probe backs both the manual-strategy conflict
	// record and the inserted/updated split for update-style writes.
	var existing map[string]struct{}
	needProbe := step.res.recordOnly || step.res.action != database.ConflictNothing
	if needProbe {
		existing, err = o.existingKeys(ctx, step.dst, step.table.Name, keys, keyIdx, rows)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	writeRows := rows
	if step.res.recordOnly {
		writeRows = writeRows[:0:0]
		var conflictKeys []string
		for _, row := range rows {
			if _, ok := existing[rowKey(row, keyIdx)]; ok {
				conflictKeys = append(conflictKeys, rowKeyDisplay(row, keyIdx))
				continue
			}
			writeRows = append(writeRows, row)
		}
		if len(conflictKeys) > 0 {
			msg := fmt.Sprintf("table %s: %d conflicting rows deferred for manual resolution (keys: %s)",
				step.table.Name, len(conflictKeys), strings.Join(truncateList(conflictKeys, 20), ", "))
			_ = o.store.AppendLog(ctx, job.ID, "warn", msg)
		}
	}
	if len(writeRows) == 0 {
		return 0, 0, n, nil
	}

	sql := database.Upsert(step.table.Name, cols, keys, len(writeRows), step.res.action, step.res.mergeTS)
	args := make([]any, 0, len(writeRows)*len(cols))
	for _, row := range writeRows {
		args = append(args, row...)
	}

	var affected int64
	for attempt := 1; ; attempt++ {
		affected, err = o.writeTx(ctx, step.dst, sql, args)
		if err == nil {
			break
		}
		if attempt >= batchWriteAttempts || errs.IsTimeout(err) {
			return 0, 0, 0, errs.Wrap(errs.ErrKindBatchWrite,
				fmt.Sprintf("writing batch to %s after %d attempts", step.table.Name, attempt), err)
		}
		rs.collector.RecordRetry()
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("table", step.table.Name).
			Int("attempt", attempt).Msg("batch write failed, retrying")
	}

	if !needProbe {
		// DO NOTHING: affected counts only fresh inserts.
		return affected, 0, n - affected, nil
	}

	var existCount int64
	for _, row := range writeRows {
		if _, ok := existing[rowKey(row, keyIdx)]; ok {
			existCount++
		}
	}
	inserted = int64(len(writeRows)) - existCount
	updated = affected - inserted
	if updated < 0 {
		updated = 0
	}
	skipped = n - inserted - updated
	if skipped < 0 {
		skipped = 0
	}
	return inserted, updated, skipped, nil
}

// writeTx runs one batch statement inside its own transaction.
func (o *Orchestrator) writeTx(ctx context.Context, db database.DB, sql string, args []any) (int64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return affected, nil
}

// existingKeys probes which of the batch's primary keys already exist on
// the destination.
func (o *Orchestrator) existingKeys(
	ctx context.Context,
	db database.DB,
	table string,
	keys []string,
	keyIdx []int,
	rows [][]any,
) (map[string]struct{}, error) {
	sql := database.SelectExistingKeys(table, keys, len(rows))
	args := make([]any, 0, len(rows)*len(keyIdx))
	for _, row := range rows {
		for _, idx := range keyIdx {
			args = append(args, row[idx])
		}
	}

	res, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := make(map[string]struct{})
	for res.Next() {
		vals, err := res.Values()
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "reading existing keys", err)
		}
		out[encodeKeyVals(vals)] = struct{}{}
	}
	return out, res.Err()
}

// finish translates the execute outcome into the job's terminal or paused
// state and publishes the final event.
func (o *Orchestrator) finish(ctx context.Context, job *Job, rs *runState, runErr error) error {
	now := time.Now().UTC()
	prog := rs.progress()

	switch {
	case runErr == nil:
		prog.Percent = 100
		prog.ETASeconds = 0
		status := StatusCompleted
		_ = o.store.Update(ctx, job.ID, Patch{Status: &status, Progress: &prog, CompletedAt: &now})
		_ = o.store.AppendLog(ctx, job.ID, "info", "job completed")
		o.log.Info().Str("job_id", job.ID).Msg("sync job completed")
		o.publish(job.ID, StatusCompleted, prog)
		o.uploadReport(ctx, job, rs, StatusCompleted, prog)
		return nil

	case errors.Is(runErr, errPaused):
		status := StatusPaused
		_ = o.store.Update(ctx, job.ID, Patch{Status: &status, Progress: &prog})
		_ = o.store.AppendLog(ctx, job.ID, "info", "job paused at batch boundary")
		o.log.Info().Str("job_id", job.ID).Msg("sync job paused")
		o.publish(job.ID, StatusPaused, prog)
		return nil

	case errors.Is(runErr, errStopped):
		// User stop shares the failed status with genuine failures; the
		// log line and progress message carry the distinction.
		prog.Message = "stopped"
		status := StatusFailed
		_ = o.store.Update(ctx, job.ID, Patch{Status: &status, Progress: &prog, CompletedAt: &now})
		_ = o.store.AppendLog(ctx, job.ID, "warn", "stop requested by operator; job terminated")
		o.log.Warn().Str("job_id", job.ID).Msg("sync job stopped by operator")
		o.publish(job.ID, StatusFailed, prog)
		o.uploadReport(ctx, job, rs, StatusFailed, prog)
		return nil

	default:
		msg := errs.Sanitize(runErr)
		prog.Message = msg
		status := StatusFailed
		_ = o.store.Update(ctx, job.ID, Patch{Status: &status, Progress: &prog, Error: &msg, CompletedAt: &now})
		_ = o.store.AppendLog(ctx, job.ID, "error", "job failed: "+msg)
		o.log.Error().Err(runErr).Str("job_id", job.ID).Msg("sync job failed")
		o.publish(job.ID, StatusFailed, prog)
		o.uploadReport(ctx, job, rs, StatusFailed, prog)
		return runErr
	}
}

// uploadReport stores the terminal run report in object storage. Failures
// are logged, never surfaced: the sync outcome stands on its own.
func (o *Orchestrator) uploadReport(ctx context.Context, job *Job, rs *runState, status Status, prog Progress) {
	if o.artifacts == nil {
		return
	}
	snap := rs.collector.Snapshot()
	snap.Spans = rs.tracer.Spans()
	doc, err := json.Marshal(map[string]any{
		"jobId":    job.ID,
		"status":   status,
		"progress": prog,
		"metrics":  snap,
	})
	if err != nil {
		return
	}
	if _, err := o.artifacts.PutReport(ctx, job.ID, "run-report.json", doc); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("run report upload failed")
	}
}

func (o *Orchestrator) progressFor(rs *runState, table string, tableIndex, tableCount int, rowsDone, totalRows int64, msg string) Progress {
	p := Progress{
		TableName:  table,
		TableIndex: tableIndex,
		TableCount: tableCount,
		RowsDone:   rowsDone,
		TotalRows:  totalRows,
		Message:    msg,
	}
	if totalRows > 0 {
		p.Percent = float64(rowsDone) / float64(totalRows) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	if snap := rs.collector.Snapshot(); snap.RowsPerSecond > 0 && totalRows > rowsDone {
		p.ETASeconds = int64(float64(totalRows-rowsDone) / snap.RowsPerSecond)
	}
	return p
}

func (o *Orchestrator) publish(jobID string, status Status, p Progress) {
	o.broker.Publish(progress.Event{
		JobID:      jobID,
		Status:     string(status),
		TableName:  p.TableName,
		TableIndex: p.TableIndex,
		TableCount: p.TableCount,
		RowsDone:   p.RowsDone,
		TotalRows:  p.TotalRows,
		Percent:    p.Percent,
		Message:    p.Message,
	})
}

func (o *Orchestrator) openPair(ctx context.Context, job *Job) (database.DB, database.DB, error) {
	srcConn, err := o.provider.Get(ctx, job.SourceConnectionID, job.UserID)
	if err != nil {
		return nil, nil, err
	}
	dstConn, err := o.provider.Get(ctx, job.TargetConnectionID, job.UserID)
	if err != nil {
		return nil, nil, err
	}
	srcDB, err := o.provider.Open(ctx, srcConn)
	if err != nil {
		return nil, nil, err
	}
	dstDB, err := o.provider.Open(ctx, dstConn)
	if err != nil {
		return nil, nil, err
	}
	return srcDB, dstDB, nil
}

func rowKey(row []any, keyIdx []int) string {
	vals := make([]any, len(keyIdx))
	for i, idx := range keyIdx {
		vals[i] = row[idx]
	}
	return encodeKeyVals(vals)
}

func rowKeyDisplay(row []any, keyIdx []int) string {
	parts := make([]string, len(keyIdx))
	for i, idx := range keyIdx {
		parts[i] = fmt.Sprintf("%v", row[idx])
	}
	return strings.Join(parts, "/")
}

func encodeKeyVals(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

func truncateList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	out := append([]string(nil), items[:max]...)
	return append(out, fmt.Sprintf("and %d more", len(items)-max))
}
