// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignOperations is the part of *service.CampaignService the controller
// drives.
type CampaignOperations interface {
	TriggerSend(ctx context.Context, campaignID int) (*model.Campaign, error)
	SendTest(ctx context.Context, campaignID int, email string) (*service.TestSendResult, error)
}

type CampaignController struct {
	CampaignService CampaignOperations
	Log             *zap.Logger
}

// SendCampaign starts a draft or scheduled campaign now. Delivery runs in the
// background, so the response is 202 with the campaign in sending.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := c.CampaignService.TriggerSend(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
	})
}

// SendTestEmail sends one preview copy of the campaign to the given address.
func (c *CampaignController) SendTestEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		handler.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body, email is required"})
		return
	}

	res, err := c.CampaignService.SendTest(r.Context(), id, body.Email)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		handler.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
		return 0, false
	}
	return id, true
}
