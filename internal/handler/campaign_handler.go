// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/service"
)

type CampaignStatsReader interface {
	GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*service.CampaignDetails, error)
}

// CampaignHandler serves read-only campaign views.
type CampaignHandler struct {
	Service CampaignStatsReader
	Log     *zap.Logger
}

func NewCampaignHandler(svc CampaignStatsReader, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log}
}

// GetCampaignHandlerWithStats returns a campaign with its per-status counts.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		WriteError(w, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}
