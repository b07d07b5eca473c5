// internal/handler/unsubscribe_handler.go
package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type Unsubscriber interface {
	Unsubscribe(ctx context.Context, token string) (*model.Subscriber, error)
}

type UnsubscribeHandler struct {
	Service Unsubscriber
	Log     *zap.Logger
}

func NewUnsubscribeHandler(svc Unsubscriber, log *zap.Logger) *UnsubscribeHandler {
	return &UnsubscribeHandler{Service: svc, Log: log}
}

// Unsubscribe serves GET /unsubscribe?token=. Repeating it is harmless.
func (h *UnsubscribeHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Service.Unsubscribe(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		WriteError(w, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "unsubscribed",
		"email":  sub.Email,
	})
}
