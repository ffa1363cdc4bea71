package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/auth"
	"github.com/example/oku-ride/internal/models"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"route", routeTemplate(r), "code", kind, "error", err, "request_id", requestIDFromContext(r.Context()))
	writeJSON(w, status, errorBody{Code: kind, Message: apperr.Message(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.InvalidInput, "request body is required")
		}
		return apperr.Wrap(apperr.InvalidInput, err, "malformed request body")
	}
	return nil
}

// actor is set by authMiddleware on every API route.
func actor(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}
