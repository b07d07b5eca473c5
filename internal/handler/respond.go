// internal/handler/respond.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps domain errors to HTTP status codes. Anything unrecognized
// is logged and reported as 500 without details.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, appErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrRender):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appErrors.ErrPermanentProvider):
		return http.StatusBadGateway
	case errors.Is(err, appErrors.ErrTransientProvider), errors.Is(err, appErrors.ErrRateLimitTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
