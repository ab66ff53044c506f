// Package syncjob holds the sync job model, its durable stores, and the
// orchestrator that drives a job through its lifecycle.
package syncjob

import (
	"strings"
	"time"

	"github.com/dbforge/pgbridge/internal/errs"
)

// Status is the job lifecycle state. Transitions run only through the
// Orchestrator: pending -> running -> {paused, completed, failed};
// paused -> running on resume.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible except an
// explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Direction selects one-way copy or two-way reconciliation.
type Direction string

const (
	DirectionOneWay Direction = "one_way"
	DirectionTwoWay Direction = "two_way"
)

// ConflictStrategy decides what happens when a row exists on both sides
// with the same primary key.
type ConflictStrategy string

const (
	// ConflictSourceWins overwrites the target row.
	ConflictSourceWins ConflictStrategy = "source_wins"
	// ConflictTargetWins leaves existing target rows untouched.
	ConflictTargetWins ConflictStrategy = "target_wins"
	// ConflictMerge applies last-write-wins per row, keyed on the table's
	// update timestamp column.
	ConflictMerge ConflictStrategy = "merge"
	// ConflictManual writes nothing for conflicting rows and records them
	// for an operator.
	ConflictManual ConflictStrategy = "manual"
)

// TableConfig is the per-table user input of a sync request.
type TableConfig struct {
	TableName        string           `json:"tableName"`
	Enabled          bool             `json:"enabled"`
	ConflictStrategy ConflictStrategy `json:"conflictStrategy"`

	// MergeTimestampColumn names the column driving last-write-wins for
	// the merge strategy. Empty means auto-detect (updated_at style);
	// when none exists the table degrades to source_wins with a warning.
	MergeTimestampColumn string `json:"mergeTimestampColumn,omitempty"`
}

// Checkpoint is the minimal durable state needed to resume a job. It is
// written after every completed batch and read once at start/resume.
// LastProcessedKey holds the primary key values of the last row in the
// last committed batch, in primary key column order.
type Checkpoint struct {
	CurrentTableIndex int   `json:"currentTableIndex"`
	LastProcessedKey  []any `json:"lastProcessedKey,omitempty"`
	RowsDoneForTable  int64 `json:"rowsDoneForTable"`
}

// Progress is the operator-facing view of a running job.
type Progress struct {
	TableName  string  `json:"tableName,omitempty"`
	TableIndex int     `json:"tableIndex"`
	TableCount int     `json:"tableCount"`
	RowsDone   int64   `json:"rowsDone"`
	TotalRows  int64   `json:"totalRows"`
	Percent    float64 `json:"percent"`
	ETASeconds int64   `json:"etaSeconds,omitempty"`

	// Message carries the human-readable reason for the current state,
	// e.g. "stopped" when an operator stopped a failed-status job.
	Message string `json:"message,omitempty"`
}

// Job is one sync request and its full lifecycle state. Persisted so a
// process restart can resume from the last checkpoint.
type Job struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	SourceConnectionID string        `json:"sourceConnectionId"`
	TargetConnectionID string        `json:"targetConnectionId"`
	Direction          Direction     `json:"direction"`
	TablesConfig       []TableConfig `json:"tablesConfig"`
	Force              bool          `json:"force,omitempty"`
	Status             Status        `json:"status"`
	Checkpoint         *Checkpoint   `json:"checkpoint,omitempty"`
	Progress           *Progress     `json:"progress,omitempty"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	StartedAt          *time.Time    `json:"startedAt,omitempty"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
}

// EnabledTables returns the names of the enabled tables in config order.
func (j *Job) EnabledTables() []string {
	var out []string
	for _, tc := range j.TablesConfig {
		if tc.Enabled {
			out = append(out, tc.TableName)
		}
	}
	return out
}

// TableConfigFor returns the config entry for a table, or nil.
func (j *Job) TableConfigFor(name string) *TableConfig {
	for i := range j.TablesConfig {
		if j.TablesConfig[i].TableName == name {
			return &j.TablesConfig[i]
		}
	}
	return nil
}

// Spec is the validated input for creating a job.
type Spec struct {
	UserID             string        `json:"userId"`
	SourceConnectionID string        `json:"sourceConnectionId"`
	TargetConnectionID string        `json:"targetConnectionId"`
	Direction          Direction     `json:"direction"`
	TablesConfig       []TableConfig `json:"tablesConfig"`

	// ConfirmationToken must equal the target connection's display name
	// when the target environment is production.
	ConfirmationToken string `json:"confirmationToken,omitempty"`

	// Force lets the job start despite critical schema issues from the
	// pre-flight diff. Persisted on the job so resumes honor it.
	Force bool `json:"force,omitempty"`
}

// Validate checks structural requirements; connection and schema checks
// happen later in the orchestrator.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errs.New(errs.ErrKindInvalidInput, "userId is required")
	}
	if s.SourceConnectionID == "" || s.TargetConnectionID == "" {
		return errs.New(errs.ErrKindInvalidInput, "source and target connection ids are required")
	}
	if s.SourceConnectionID == s.TargetConnectionID {
		return errs.New(errs.ErrKindInvalidInput, "source and target must be different connections")
	}
	switch s.Direction {
	case DirectionOneWay, DirectionTwoWay:
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "unknown direction %q", s.Direction)
	}
	enabled := 0
	for _, tc := range s.TablesConfig {
		if tc.TableName == "" {
			return errs.New(errs.ErrKindInvalidInput, "tableName is required for every table config")
		}
		switch tc.ConflictStrategy {
		case ConflictSourceWins, ConflictTargetWins, ConflictMerge, ConflictManual:
		default:
			return errs.Newf(errs.ErrKindInvalidInput,
				"unknown conflict strategy %q for table %s", tc.ConflictStrategy, tc.TableName)
		}
		if tc.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errs.New(errs.ErrKindInvalidInput, "at least one table must be enabled")
	}
	return nil
}

// LogEntry is one line of a job's persisted activity log.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
