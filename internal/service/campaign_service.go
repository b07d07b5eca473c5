// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/provider"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// CampaignStarter is the manual trigger. *Scheduler implements it.
type CampaignStarter interface {
	StartNow(ctx context.Context, id int) (*model.Campaign, error)
}

// CampaignService backs the operational HTTP surface.
type CampaignService struct {
	Campaigns repository.CampaignRepositoryInterface
	Records   repository.SendRecordRepositoryInterface
	Starter   CampaignStarter
	Renderer  TemplateRenderer
	Provider  provider.Client
	Limiter   RateGate
	Log       *zap.Logger
	Config    DispatchConfig
}

type CampaignDetails struct {
	Campaign          *model.Campaign     `json:"campaign"`
	Stats             model.CampaignStats `json:"stats"`
	Sent              int                 `json:"sent"`
	Failed            int                 `json:"failed"`
	PermanentlyFailed int                 `json:"permanently_failed"`
	Pending           int                 `json:"pending"`
}

type TestSendResult struct {
	CampaignID int    `json:"campaign_id"`
	Email      string `json:"email"`
	MessageID  string `json:"message_id"`
}

// TriggerSend starts a draft or scheduled campaign immediately.
func (s *CampaignService) TriggerSend(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, err := s.Starter.StartNow(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.Log.Info("campaign send triggered", zap.Int("campaign_id", campaignID))
	return c, nil
}

// SendTest sends one copy of the campaign to email with placeholder
// personalization. No send record is written.
func (s *CampaignService) SendTest(ctx context.Context, campaignID int, email string) (*TestSendResult, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", appErrors.ErrInvalidInput, email)
	}

	c, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		model.FieldName:          "Test User",
		model.FieldCustomMessage: "This is a test message.",
	}
	vars := TemplateVars(c, addr.Address, fields, s.Config.FromName, s.Config.UnsubscribeURL)
	html, err := s.Renderer.Render(ctx, c.TemplateID, vars)
	if err != nil {
		return nil, err
	}

	if err := s.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.Config.ProviderTimeout)
	defer cancel()
	res, err := s.Provider.Send(callCtx, provider.Message{
		To:      addr.Address,
		ToName:  vars[VarName],
		Subject: "[TEST] " + c.Subject,
		HTML:    html,
		Metadata: map[string]string{
			provider.ArgCampaignID: strconv.Itoa(c.ID),
		},
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("test email sent", zap.Int("campaign_id", c.ID), zap.String("to", addr.Address))
	return &TestSendResult{CampaignID: c.ID, Email: addr.Address, MessageID: res.MessageID}, nil
}

// GetCampaignDetailsWithStats returns the campaign with its per-status counts.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.Records.Stats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{
		Campaign:          c,
		Stats:             stats,
		Sent:              stats.Sent(),
		Failed:            stats.Failed(),
		PermanentlyFailed: stats.PermanentlyFailed(),
		Pending:           stats.Pending(),
	}, nil
}
