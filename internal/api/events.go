package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

const writeWait = 10 * time.Second

// handleEvents streams the JobView of a job over a websocket whenever it
// changes. The stream ends with a normal close once the job is terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, r, store.ErrNotFound)
		return
	}
	view, err := s.deps.Status.Status(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the client never sends anything, reading detects it went away
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.DebugContext(ctx, "websocket read", "error", err)
				}
				return
			}
		}
	}()

	err = s.stream(ctx, conn, id, view)
	code, text := websocket.CloseNormalClosure, "job finished"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		code, text = websocket.CloseNormalClosure, "job not found"
	case ctx.Err() != nil:
		code, text = websocket.CloseGoingAway, ""
	default:
		code, text = websocket.CloseInternalServerErr, string(model.KindInternal)
		slog.DebugContext(ctx, "websocket stream", "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	conn.Close()
	<-done
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, id string, view model.JobView) error {
	if err := send(conn, view); err != nil {
		return err
	}
	if view.State.Terminal() {
		return nil
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	last := view
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		view, err := s.deps.Status.Status(ctx, id)
		if err != nil {
			return err
		}
		if view.State == last.State && view.UpdatedAt.Equal(last.UpdatedAt) {
			continue
		}
		if err := send(conn, view); err != nil {
			return err
		}
		if view.State.Terminal() {
			return nil
		}
		last = view
	}
}

func send(conn *websocket.Conn, view model.JobView) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(view)
}
