package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/doclift/doclift/internal/blob"
	"github.com/doclift/doclift/internal/common"
	"github.com/doclift/doclift/internal/extract"
	"github.com/doclift/doclift/internal/taskqueue"
)

// Handler consumes extraction tasks: load the transient input, run the
// extractor, retain the result for the engine to pick up on its next poll.
type Handler struct {
	inputs    blob.Store
	extractor extract.Extractor
	logger    *slog.Logger
}

func NewHandler(inputs blob.Store, extractor extract.Extractor, logger *slog.Logger) *Handler {
	return &Handler{inputs: inputs, extractor: extractor, logger: logger}
}

// Register wires the handler into an asynq mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskqueue.TypeExtractPDF, h.HandleExtract)
}

func (h *Handler) HandleExtract(ctx context.Context, t *asynq.Task) error {
	var p taskqueue.ExtractPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// A payload that never decodes will not decode on retry either.
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	h.logger.Info("extraction started", "job_id", p.JobID, "name", p.Name)

	ok, err := h.inputs.Exists(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("stat input %s: %w", p.JobID, err)
	}
	if !ok {
		// The owning job was rolled back or already cleaned up.
		return fmt.Errorf("input for job %s is gone: %v: %w", p.JobID, common.ErrNotFound, asynq.SkipRetry)
	}

	res, err := h.extractor.Extract(ctx, h.inputs.Path(p.JobID))
	if err != nil {
		h.logger.Error("extraction failed", "job_id", p.JobID, "error", err)
		return fmt.Errorf("extract job %s: %w", p.JobID, err)
	}

	out := taskqueue.ExtractionResult{Metadata: res.Metadata, Text: res.Text}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := ValidateResult(b); err != nil {
		return fmt.Errorf("job %s: %w", p.JobID, err)
	}

	if w := t.ResultWriter(); w != nil {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("retain result: %w", err)
		}
	}
	h.logger.Info("extraction finished", "job_id", p.JobID, "pages", res.Pages, "duration", res.Duration)
	return nil
}

// Config tunes the embedded asynq server.
type Config struct {
	Queue       string
	Concurrency int
}

// Server runs the extraction worker until shut down.
type Server struct {
	srv     *asynq.Server
	handler *Handler
	logger  *slog.Logger
}

func NewServer(redisOpt asynq.RedisClientOpt, h *Handler, cfg Config, logger *slog.Logger) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Queue == "" {
		cfg.Queue = "extract"
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
	})
	return &Server{srv: srv, handler: h, logger: logger}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	s.handler.Register(mux)
	s.logger.Info("extraction worker running")
	return s.srv.Run(mux)
}

func (s *Server) Shutdown() {
	s.logger.Info("extraction worker shutting down")
	s.srv.Shutdown()
}
