package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/common"
	"github.com/doclift/doclift/internal/engine"
)

// Engine is the slice of the lifecycle engine the ingress layer needs.
type Engine interface {
	Ingest(ctx context.Context, data []byte, displayName string) (string, error)
	GetMetadata(ctx context.Context, id string) (*engine.JobView, error)
	GetText(ctx context.Context, id string) (io.ReadCloser, error)
}

// Config tunes the ingress behavior.
type Config struct {
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	WatchInterval  time.Duration
}

// Server is the HTTP ingress: upload validation, polling reads, rate
// limiting. Everything stateful lives behind the engine.
type Server struct {
	engine   Engine
	cfg      Config
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(eng Engine, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = constants.DefaultMaxUploadBytes
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	return &Server{
		engine:  eng,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Routes builds the handler with logging and rate limiting applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", s.withRateLimit(s.handleUpload))
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.HandleFunc("GET /text/{id}", s.handleGetText)
	mux.HandleFunc("GET /ws/{id}", s.handleWatch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.withRequestLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload validates the multipart payload and hands the bytes to the
// engine. Status codes follow the public API contract: 422 wrong form key,
// 400 empty file, 415 wrong type, 413 too large.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// The slack over the ceiling covers multipart framing, so a document of
	// exactly the maximum size still goes through.
	if r.ContentLength > s.cfg.MaxUploadBytes+1<<20 {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File size exceeded the maximum limit (%d bytes).", s.cfg.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)

	file, header, err := r.FormFile("pdf_file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File size exceeded the maximum limit (%d bytes).", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "Invalid payload, only POST on 'pdf_file' key.")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No pdf file provided.")
		return
	}
	if !constants.HasPDFExt(header.Filename) {
		writeError(w, http.StatusUnsupportedMediaType, "Invalid file EXT. Please upload a '.pdf' file.")
		return
	}

	data, err := readUpload(file, s.cfg.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File size exceeded the maximum limit (%d bytes).", s.cfg.MaxUploadBytes))
			return
		}
		s.logger.Error("reading upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not read the uploaded file.")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "No pdf file provided.")
		return
	}
	if !constants.HasPDFSignature(data) {
		writeError(w, http.StatusUnsupportedMediaType, "Invalid file type. Please upload a PDF file.")
		return
	}

	id, err := s.engine.Ingest(r.Context(), data, header.Filename)
	if err != nil {
		s.logger.Error("ingest failed", "name", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Document could not be accepted, please retry.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"_id": id})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.engine.GetMetadata(r.Context(), id)
	if err != nil {
		s.renderEngineError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rc, err := s.engine.GetText(r.Context(), id)
	if err != nil {
		s.renderEngineError(w, id, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+constants.TxtExt))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("streaming text failed", "job_id", id, "error", err)
	}
}

// renderEngineError maps lifecycle errors onto the public contract: a single
// ambiguous not-found for unknown and failed ids, 503 for transient
// collaborator trouble the caller should retry.
func (s *Server) renderEngineError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "Document not found. Please verify the id.")
	case errors.Is(err, engine.ErrTaskLookup), errors.Is(err, engine.ErrRecordUpdate):
		s.logger.Warn("transient reconcile failure", "job_id", id, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Temporarily unable to check the document, please retry.")
	default:
		s.logger.Error("unexpected engine failure", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error.")
	}
}

var errUploadTooLarge = errors.New("upload exceeds size ceiling")

func readUpload(file multipart.File, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, max+1))
	if err != nil {
		return nil, common.WrapError(err, "read upload")
	}
	if int64(len(data)) > max {
		return nil, errUploadTooLarge
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
