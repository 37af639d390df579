package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/common"
)

// JobRecord is the persisted unit of work tracked by the lifecycle engine.
// Metadata and Link stay empty until the task reaches SUCCESS; they are
// written together in a single Complete call and never touched again.
type JobRecord struct {
	ID        string
	Name      string
	TaskID    string
	TaskState constants.TaskState
	Metadata  string
	Link      string
	CreatedAt time.Time
}

// JobRepository is the record store consumed by the lifecycle engine.
// Conditional updates carry the state the caller last observed, so a
// concurrent reconciler that already applied the transition turns the
// second attempt into a reported no-op instead of a double apply.
type JobRepository interface {
	Insert(ctx context.Context, rec *JobRecord) error
	GetByID(ctx context.Context, id string) (*JobRecord, error)
	// UpdateState moves task_state from->to; false means the stored state
	// no longer matches from.
	UpdateState(ctx context.Context, id string, from, to constants.TaskState) (bool, error)
	// Complete sets task_state to SUCCESS together with metadata and link,
	// conditional on the observed state.
	Complete(ctx context.Context, id string, from constants.TaskState, metadata, link string) (bool, error)
	// Delete removes the record; false means another caller already did.
	Delete(ctx context.Context, id string) (bool, error)
}

type jobRepo struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

func NewJobRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) JobRepository {
	return &jobRepo{db: db, dialect: dialect, logger: logger}
}

func (r *jobRepo) Insert(ctx context.Context, rec *JobRecord) error {
	q := r.dialect.rebind(`INSERT INTO jobs (id, name, task_id, task_state, metadata, link, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.Name, rec.TaskID, string(rec.TaskState), rec.Metadata, rec.Link, rec.CreatedAt.UTC())
	if err != nil {
		r.logger.Error("job insert failed", "job_id", rec.ID, "error", err)
		return common.WrapError(err, "insert job")
	}
	r.logger.Info("job inserted", "job_id", rec.ID, "task_id", rec.TaskID)
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*JobRecord, error) {
	q := r.dialect.rebind(`SELECT id, name, task_id, task_state, metadata, link, created_at
		FROM jobs WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, q, id)

	var rec JobRecord
	var state string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.TaskID, &state, &rec.Metadata, &rec.Link, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		r.logger.Error("job lookup failed", "job_id", id, "error", err)
		return nil, common.WrapError(err, "get job")
	}
	rec.TaskState = constants.TaskState(state)
	return &rec, nil
}

func (r *jobRepo) UpdateState(ctx context.Context, id string, from, to constants.TaskState) (bool, error) {
	q := r.dialect.rebind(`UPDATE jobs SET task_state = ? WHERE id = ? AND task_state = ?`)
	res, err := r.db.ExecContext(ctx, q, string(to), id, string(from))
	if err != nil {
		r.logger.Error("job state update failed", "job_id", id, "to", to, "error", err)
		return false, common.WrapError(err, "update job state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.WrapError(err, "update job state")
	}
	if n == 0 {
		r.logger.Debug("job state update lost the race", "job_id", id, "from", from, "to", to)
		return false, nil
	}
	r.logger.Info("job state updated", "job_id", id, "from", from, "to", to)
	return true, nil
}

func (r *jobRepo) Complete(ctx context.Context, id string, from constants.TaskState, metadata, link string) (bool, error) {
	q := r.dialect.rebind(`UPDATE jobs SET task_state = ?, metadata = ?, link = ?
		WHERE id = ? AND task_state = ?`)
	res, err := r.db.ExecContext(ctx, q,
		string(constants.TaskStateSuccess), metadata, link, id, string(from))
	if err != nil {
		r.logger.Error("job completion failed", "job_id", id, "error", err)
		return false, common.WrapError(err, "complete job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.WrapError(err, "complete job")
	}
	if n == 0 {
		r.logger.Debug("job completion lost the race", "job_id", id, "from", from)
		return false, nil
	}
	r.logger.Info("job completed", "job_id", id, "link", link)
	return true, nil
}

func (r *jobRepo) Delete(ctx context.Context, id string) (bool, error) {
	q := r.dialect.rebind(`DELETE FROM jobs WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		r.logger.Error("job delete failed", "job_id", id, "error", err)
		return false, common.WrapError(err, "delete job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.WrapError(err, "delete job")
	}
	if n == 0 {
		return false, nil
	}
	r.logger.Info("job deleted", "job_id", id)
	return true, nil
}
