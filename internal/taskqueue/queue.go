package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/doclift/doclift/constants"
)

// TypeExtractPDF is the task type consumed by the extraction worker.
const TypeExtractPDF = "extract:pdf"

// ExtractPayload is the JSON body of an extraction task. The input blob is
// addressed by job id; app and worker share the storage root.
type ExtractPayload struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`
}

// ExtractionResult is the payload a finished task retains for the engine.
type ExtractionResult struct {
	Metadata map[string]string `json:"metadata"`
	Text     string            `json:"text"`
}

// Queue is the task-execution facility consumed by the lifecycle engine.
// Status may be asked any number of times; Result must only be asked after
// Status reported SUCCESS and then always yields the same payload.
type Queue interface {
	Submit(ctx context.Context, p ExtractPayload) (string, error)
	Status(ctx context.Context, handle string) (constants.TaskState, error)
	Result(ctx context.Context, handle string) (*ExtractionResult, error)
	Close() error
}

// Options tunes task submission.
type Options struct {
	Queue     string
	MaxRetry  int
	Retention time.Duration
	Timeout   time.Duration
}

// AsynqQueue implements Queue on top of an asynq client plus inspector.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      Options
	logger    *slog.Logger
}

func NewAsynqQueue(redisOpt asynq.RedisClientOpt, opts Options, logger *slog.Logger) *AsynqQueue {
	if opts.Queue == "" {
		opts.Queue = "extract"
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		opts:      opts,
		logger:    logger,
	}
}

// Submit enqueues an extraction task and returns its handle. The task id is
// pinned to the job id, which enforces the 1:1 job/task ownership at the
// broker. Retention keeps the completed task around so its result stays
// fetchable until the engine has observed it.
func (q *AsynqQueue) Submit(ctx context.Context, p ExtractPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(q.opts.Queue),
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(q.opts.MaxRetry),
		asynq.Retention(q.opts.Retention),
	}
	if q.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.opts.Timeout))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TypeExtractPDF, b), opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue extract task: %w", err)
	}
	q.logger.Info("extract task submitted", "job_id", p.JobID, "task_id", info.ID, "queue", info.Queue)
	return info.ID, nil
}

// Status maps the broker's task state onto the closed lifecycle enum.
func (q *AsynqQueue) Status(ctx context.Context, handle string) (constants.TaskState, error) {
	info, err := q.taskInfo(ctx, handle)
	if err != nil {
		return "", err
	}
	return mapState(info.State), nil
}

// Result decodes the retained result of a completed task.
func (q *AsynqQueue) Result(ctx context.Context, handle string) (*ExtractionResult, error) {
	info, err := q.taskInfo(ctx, handle)
	if err != nil {
		return nil, err
	}
	if len(info.Result) == 0 {
		return nil, fmt.Errorf("task %s has no retained result", handle)
	}
	var res ExtractionResult
	if err := json.Unmarshal(info.Result, &res); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return &res, nil
}

func (q *AsynqQueue) taskInfo(ctx context.Context, handle string) (*asynq.TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := q.inspector.GetTaskInfo(q.opts.Queue, handle)
	if err != nil {
		return nil, fmt.Errorf("task lookup %s: %w", handle, err)
	}
	return info, nil
}

func mapState(s asynq.TaskState) constants.TaskState {
	switch s {
	case asynq.TaskStateActive, asynq.TaskStateRetry:
		return constants.TaskStateStarted
	case asynq.TaskStateCompleted:
		return constants.TaskStateSuccess
	case asynq.TaskStateArchived:
		return constants.TaskStateFailure
	default:
		// pending, scheduled, aggregating
		return constants.TaskStatePending
	}
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		q.logger.Error("failed to close inspector", "error", err)
	}
	return q.client.Close()
}
