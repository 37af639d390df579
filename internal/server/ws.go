package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doclift/doclift/internal/engine"
)

// watchEvent is one frame pushed over the watch socket.
type watchEvent struct {
	View  *engine.JobView `json:"view,omitempty"`
	Error string          `json:"error,omitempty"`
}

// handleWatch pushes the job view to the client until the job reaches a
// terminal outcome. The push is plain server-side polling of Reconcile;
// the engine stays poll-driven.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The request context stops firing once the connection is hijacked, so
	// client disconnects are only visible to a reader. Drain incoming frames
	// until the peer goes away and cancel the poll loop when it does.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	var last *engine.JobView
	for {
		view, err := s.engine.GetMetadata(ctx, id)
		switch {
		case errors.Is(err, engine.ErrNotFound):
			_ = conn.WriteJSON(watchEvent{Error: "Document not found. Please verify the id."})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "gone"))
			return
		case errors.Is(err, engine.ErrTaskLookup), errors.Is(err, engine.ErrRecordUpdate):
			// Transient; keep the connection and try again next tick.
			s.logger.Warn("watch poll failed", "job_id", id, "error", err)
		case err != nil:
			s.logger.Error("watch aborted", "job_id", id, "error", err)
			return
		default:
			if last == nil || *view != *last {
				if err := conn.WriteJSON(watchEvent{View: view}); err != nil {
					return
				}
				last = view
			}
			if view.TaskState.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
