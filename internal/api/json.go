package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

type errorBody struct {
	Error      string             `json:"error"`
	Message    string             `json:"message"`
	Fields     []model.FieldError `json:"fields,omitempty"`
	RetryAfter int64              `json:"retry_after,omitempty"`
	Window     string             `json:"window,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.DebugContext(r.Context(), "writing response", "error", err)
	}
}

// writeError sanitizes every message before it leaves the process
func writeError(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	body.Message = model.SanitizeMessage(body.Message)
	for i := range body.Fields {
		body.Fields[i].Message = model.SanitizeMessage(body.Fields[i].Message)
	}
	writeJSON(w, r, status, body)
}

// writeInternal logs err in full, the caller gets internal_error only
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, errorBody{
		Error:   string(model.KindInternal),
		Message: model.KindInternal.Message(),
	})
}

// writeErr maps the error taxonomy to a response
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *model.ValidationError
		merr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, errorBody{
			Error:   "validation_error",
			Message: "request is invalid",
			Fields:  verr.Fields,
		})
	case errors.As(err, &merr):
		writeError(w, r, http.StatusRequestEntityTooLarge, errorBody{
			Error:   "too_large",
			Message: "request body is too large",
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, errorBody{
			Error:   "not_found",
			Message: "job not found",
		})
	case errors.Is(err, store.ErrNotReady):
		writeError(w, r, http.StatusConflict, errorBody{
			Error:   "not_ready",
			Message: "job output is not ready yet",
		})
	case errors.Is(err, service.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, errorBody{
			Error:      "busy",
			Message:    "job queue is full, try again later",
			RetryAfter: 5,
		})
	default:
		writeInternal(w, r, err)
	}
}
