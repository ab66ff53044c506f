package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/errs"
)

const jobsDDL = `
CREATE TABLE IF NOT EXISTS sync_jobs (
  id                   uuid PRIMARY KEY,
  user_id              text NOT NULL,
  source_connection_id text NOT NULL,
  target_connection_id text NOT NULL,
  direction            text NOT NULL,
  tables_config        jsonb NOT NULL,
  force                boolean NOT NULL DEFAULT false,
  status               text NOT NULL,
  checkpoint           jsonb,
  progress             jsonb,
  error                text,
  created_at           timestamptz NOT NULL,
  started_at           timestamptz,
  completed_at         timestamptz
);
CREATE INDEX IF NOT EXISTS sync_jobs_user_status_idx ON sync_jobs (user_id, status);
CREATE TABLE IF NOT EXISTS sync_job_logs (
  id        bigserial PRIMARY KEY,
  job_id    uuid NOT NULL REFERENCES sync_jobs (id) ON DELETE CASCADE,
  level     text NOT NULL,
  message   text NOT NULL,
  timestamp timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_job_logs_job_idx ON sync_job_logs (job_id, id);
`

// PgStore is the durable Store backed by the service's own Postgres
// database (not the source/target of any sync).
type PgStore struct {
	db database.DB
}

// NewPgStore wraps an open handle to the service database.
func NewPgStore(db database.DB) *PgStore {
	return &PgStore{db: db}
}

// EnsureSchema creates the job tables if missing. Called once at startup.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(jobsDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errs.Wrap(errs.ErrKindConnection, "creating job tables", err)
		}
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                 uuid.NewString(),
		UserID:             spec.UserID,
		SourceConnectionID: spec.SourceConnectionID,
		TargetConnectionID: spec.TargetConnectionID,
		Direction:          spec.Direction,
		TablesConfig:       append([]TableConfig(nil), spec.TablesConfig...),
		Force:              spec.Force,
		Status:             StatusPending,
		CreatedAt:          time.Now().UTC(),
	}

	tables, err := json.Marshal(job.TablesConfig)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "encoding tables config", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sync_jobs
		  (id, user_id, source_connection_id, target_connection_id,
		   direction, tables_config, status, force, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.SourceConnectionID, job.TargetConnectionID,
		string(job.Direction), tables, string(job.Status), job.Force, job.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "creating job", err)
	}
	return job, nil
}

func (s *PgStore) Update(ctx context.Context, id string, patch Patch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Checkpoint != nil {
		b, err := json.Marshal(patch.Checkpoint)
		if err != nil {
			return errs.Wrap(errs.ErrKindInvalidInput, "encoding checkpoint", err)
		}
		add("checkpoint", b)
	}
	if patch.Progress != nil {
		b, err := json.Marshal(patch.Progress)
		if err != nil {
			return errs.Wrap(errs.ErrKindInvalidInput, "encoding progress", err)
		}
		add("progress", b)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	affected, err := s.db.Exec(ctx,
		fmt.Sprintf("UPDATE sync_jobs SET %s WHERE id = $%d",
			strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return errs.Wrap(errs.ErrKindConnection, "updating job", err)
	}
	if affected == 0 {
		return errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	return nil
}

func (s *PgStore) GetByID(ctx context.Context, id, userID string) (*Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, source_connection_id, target_connection_id,
		       direction, tables_config, status, force, checkpoint,
		       progress, error, created_at, started_at, completed_at
		FROM sync_jobs
		WHERE id = $1 AND user_id = $2`,
		id, userID)

	var (
		job                  Job
		direction, status    string
		tables               []byte
		checkpoint, progress []byte
		errText              *string
	)
	err := row.Scan(&job.ID, &job.UserID, &job.SourceConnectionID,
		&job.TargetConnectionID, &direction, &tables, &status,
		&job.Force, &checkpoint, &progress, &errText,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
		}
		return nil, errs.Wrap(errs.ErrKindConnection, "loading job", err)
	}

	job.Direction = Direction(direction)
	job.Status = Status(status)
	if errText != nil {
		job.Error = *errText
	}
	if err := json.Unmarshal(tables, &job.TablesConfig); err != nil {
		return nil, errs.Wrap(errs.ErrKindUnknown, "decoding tables config", err)
	}
	if len(checkpoint) > 0 {
		job.Checkpoint = &Checkpoint{}
		if err := json.Unmarshal(checkpoint, job.Checkpoint); err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "decoding checkpoint", err)
		}
	}
	if len(progress) > 0 {
		job.Progress = &Progress{}
		if err := json.Unmarshal(progress, job.Progress); err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "decoding progress", err)
		}
	}
	return &job, nil
}

func (s *PgStore) AppendLog(ctx context.Context, id, level, message string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_job_logs (job_id, level, message, timestamp)
		VALUES ($1, $2, $3, $4)`,
		id, level, message, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.ErrKindConnection, "appending job log", err)
	}
	return nil
}

func (s *PgStore) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT level, message, timestamp
		FROM (
		  SELECT id, level, message, timestamp
		  FROM sync_job_logs WHERE job_id = $1
		  ORDER BY id DESC LIMIT $2
		) recent
		ORDER BY id ASC`,
		id, limit)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "loading job logs", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "scanning job log", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "reading job logs", err)
	}
	return out, nil
}

// Delete removes the job row; the logs go with it via ON DELETE CASCADE.
func (s *PgStore) Delete(ctx context.Context, id, userID string) error {
	affected, err := s.db.Exec(ctx,
		`DELETE FROM sync_jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return errs.Wrap(errs.ErrKindConnection, "deleting job", err)
	}
	if affected == 0 {
		return errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	return nil
}

func (s *PgStore) CountActive(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*) FROM sync_jobs
		WHERE user_id = $1 AND status IN ('pending', 'running')`,
		userID)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, errs.Wrap(errs.ErrKindConnection, "counting active jobs", err)
	}
	return int(n), nil
}
