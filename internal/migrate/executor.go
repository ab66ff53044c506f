package migrate

import (
	"context"
	"time"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/logger"
)

// StatementResult reports the outcome of one executed statement.
type StatementResult struct {
	SQL          string `json:"sql"`
	RowsAffected int64  `json:"rowsAffected"`
	DurationMs   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`
}

// ExecReport aggregates the per-statement results of one script run.
type ExecReport struct {
	Results   []StatementResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// Executor runs migration scripts statement by statement. Statements are
// largely independent DDL, so one failure does not abort the script: the
// executor records it and continues, returning a full result list.
type Executor struct {
	log *logger.Logger
}

// NewExecutor creates a script executor.
func NewExecutor(log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{log: log}
}

// Run splits script and executes each statement sequentially against db.
// The returned error is non-nil only for context cancellation; statement
// failures live in the report. Callers enforce the production confirmation
// gate before invoking Run.
func (x *Executor) Run(ctx context.Context, db database.DB, script string) (*ExecReport, error) {
	report := &ExecReport{}

	for _, stmt := range Split(script) {
		if err := ctx.Err(); err != nil {
			return report, errs.Wrap(errs.ErrKindTimeout, "script execution cancelled", err)
		}

		start := time.Now()
		affected, err := db.Exec(ctx, stmt)
		res := StatementResult{
			SQL:          stmt,
			RowsAffected: affected,
			DurationMs:   time.Since(start).Milliseconds(),
		}

		if err != nil {
			wrapped := errs.Wrap(errs.ErrKindStatement, "statement failed", err)
			res.Error = wrapped.Sanitized()
			report.Failed++
			x.log.Error().Err(err).Str("sql", stmt).Msg("migration statement failed")
		} else {
			report.Succeeded++
		}
		report.Results = append(report.Results, res)
	}

	x.log.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("migration script executed")
	return report, nil
}
