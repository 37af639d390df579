package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/blob"
	"github.com/doclift/doclift/internal/common"
	"github.com/doclift/doclift/internal/repository"
	"github.com/doclift/doclift/internal/taskqueue"
)

// Lifecycle errors surfaced to the ingress layer. ErrTaskLookup and
// ErrRecordUpdate are transient: the stored record is untouched and the
// caller should simply poll again.
var (
	ErrNotFound     = errors.New("job not found")
	ErrTaskLookup   = errors.New("task status lookup failed")
	ErrRecordUpdate = errors.New("job record update failed")
)

// IngestError reports a failed job creation after rollback.
type IngestError struct {
	Step string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest failed at %s: %v", e.Step, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// JobView is the externally visible shape of a job record.
type JobView struct {
	ID        string              `json:"_id"`
	Name      string              `json:"name"`
	Metadata  string              `json:"metadata"`
	Link      string              `json:"link"`
	TaskState constants.TaskState `json:"task_state"`
	CreatedAt time.Time           `json:"created_at"`
}

// Engine owns the job lifecycle: it creates jobs, reconciles queue status
// into the record store, materializes the extracted text exactly once and
// cleans up transient inputs. All collaborators are passed in explicitly;
// nothing here holds ambient connections.
type Engine struct {
	jobs      repository.JobRepository
	inputs    blob.Store
	outputs   blob.Store
	queue     taskqueue.Queue
	publicURL string
	logger    *slog.Logger
}

func New(jobs repository.JobRepository, inputs, outputs blob.Store, queue taskqueue.Queue, publicURL string, logger *slog.Logger) *Engine {
	return &Engine{
		jobs:      jobs,
		inputs:    inputs,
		outputs:   outputs,
		queue:     queue,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		logger:    logger,
	}
}

// Ingest stores the already-validated document, submits the extraction task
// and inserts the PENDING record. The insert comes last so readers never see
// a partial job. On any failure the completed steps are rolled back in
// reverse order; a task already submitted stays behind as an orphan because
// the queue has no cancel primitive.
func (e *Engine) Ingest(ctx context.Context, data []byte, displayName string) (string, error) {
	id := uuid.NewString()
	name := sanitizeName(displayName)

	if _, err := e.inputs.Put(ctx, id, data); err != nil {
		return "", &IngestError{Step: "store input", Err: err}
	}

	handle, err := e.queue.Submit(ctx, taskqueue.ExtractPayload{JobID: id, Name: name})
	if err != nil {
		e.rollbackInput(ctx, id)
		return "", &IngestError{Step: "submit task", Err: err}
	}

	rec := &repository.JobRecord{
		ID:        id,
		Name:      name,
		TaskID:    handle,
		TaskState: constants.TaskStatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.jobs.Insert(ctx, rec); err != nil {
		e.rollbackInput(ctx, id)
		return "", &IngestError{Step: "insert record", Err: err}
	}

	e.logger.Info("job created", "job_id", id, "name", name, "task_id", handle)
	return id, nil
}

func (e *Engine) rollbackInput(ctx context.Context, id string) {
	if err := e.inputs.Delete(ctx, id); err != nil {
		e.logger.Error("ingest rollback: input artifact not removed", "job_id", id, "error", err)
	}
}

// Reconcile pulls the task's current status into the job record and applies
// any resulting terminal side effects. It is invoked on every read; staleness
// is bounded only by how often callers poll.
func (e *Engine) Reconcile(ctx context.Context, id string) (*JobView, error) {
	rec, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordUpdate, err)
	}

	// SUCCESS is terminal and the completed task may already have aged out
	// of the queue; there is nothing left to reconcile.
	if rec.TaskState == constants.TaskStateSuccess {
		return viewOf(rec), nil
	}

	state, err := e.queue.Status(ctx, rec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskLookup, err)
	}
	// No news, or the queue reporting an earlier state for a retried task:
	// either way the record stays untouched.
	if state == rec.TaskState || !rec.TaskState.Advances(state) {
		return viewOf(rec), nil
	}

	switch state {
	case constants.TaskStateSuccess:
		return e.applySuccess(ctx, rec)
	case constants.TaskStateFailure:
		return e.applyFailure(ctx, rec)
	default:
		ok, err := e.jobs.UpdateState(ctx, rec.ID, rec.TaskState, state)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordUpdate, err)
		}
		if !ok {
			// Another reconciler moved the record first.
			return e.currentView(ctx, rec.ID)
		}
		rec.TaskState = state
		return viewOf(rec), nil
	}
}

// applySuccess materializes the output artifact before updating the record,
// so a crash in between is recovered by the next poll: the write is skipped
// when the artifact already exists and the record update simply re-runs.
func (e *Engine) applySuccess(ctx context.Context, rec *repository.JobRecord) (*JobView, error) {
	res, err := e.queue.Result(ctx, rec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskLookup, err)
	}

	link := e.textLink(rec.ID)
	if _, err := e.outputs.Put(ctx, rec.ID, []byte(res.Text)); err != nil {
		return nil, fmt.Errorf("%w: write output artifact: %v", ErrRecordUpdate, err)
	}

	metadata, err := json.Marshal(res.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrRecordUpdate, err)
	}

	ok, err := e.jobs.Complete(ctx, rec.ID, rec.TaskState, string(metadata), link)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordUpdate, err)
	}
	if !ok {
		return e.currentView(ctx, rec.ID)
	}

	e.cleanupInput(ctx, rec.ID)
	e.logger.Info("job reconciled to SUCCESS", "job_id", rec.ID, "link", link)

	rec.TaskState = constants.TaskStateSuccess
	rec.Metadata = string(metadata)
	rec.Link = link
	return viewOf(rec), nil
}

// applyFailure deletes the record outright: failed jobs are not kept as
// tombstones, so their ids become unresolvable and callers cannot tell
// "failed" apart from "never existed".
func (e *Engine) applyFailure(ctx context.Context, rec *repository.JobRecord) (*JobView, error) {
	deleted, err := e.jobs.Delete(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordUpdate, err)
	}
	if deleted {
		e.logger.Info("job reconciled to FAILURE, record deleted", "job_id", rec.ID)
	}
	e.cleanupInput(ctx, rec.ID)
	return nil, ErrNotFound
}

// cleanupInput removes the transient input artifact once a terminal state
// has been committed. Failure here is a resource leak for an external sweep
// to catch, never a reason to unwind the transition.
func (e *Engine) cleanupInput(ctx context.Context, id string) {
	if err := e.inputs.Delete(ctx, id); err != nil {
		e.logger.Warn("transient input artifact not removed", "job_id", id, "error", err)
	}
}

func (e *Engine) currentView(ctx context.Context, id string) (*JobView, error) {
	rec, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordUpdate, err)
	}
	return viewOf(rec), nil
}

// GetMetadata reconciles and returns the current view of the job.
func (e *Engine) GetMetadata(ctx context.Context, id string) (*JobView, error) {
	return e.Reconcile(ctx, id)
}

// GetText reconciles and streams the extracted text once the job succeeded;
// anything earlier is reported as not found.
func (e *Engine) GetText(ctx context.Context, id string) (io.ReadCloser, error) {
	view, err := e.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	if view.TaskState != constants.TaskStateSuccess {
		return nil, ErrNotFound
	}
	rc, err := e.outputs.Open(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rc, nil
}

func (e *Engine) textLink(id string) string {
	return e.publicURL + "/text/" + id
}

func viewOf(rec *repository.JobRecord) *JobView {
	return &JobView{
		ID:        rec.ID,
		Name:      rec.Name,
		Metadata:  rec.Metadata,
		Link:      rec.Link,
		TaskState: rec.TaskState,
		CreatedAt: rec.CreatedAt,
	}
}

// sanitizeName reduces a caller-supplied filename to a cosmetic display
// name: path components stripped, control characters and separators
// replaced.
func sanitizeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s == "" || s == "." {
		return "document.pdf"
	}
	return s
}
