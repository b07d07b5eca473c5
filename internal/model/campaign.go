// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type Campaign struct {
	ID          int            `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Subject     string         `db:"subject" json:"subject"`
	TemplateID  string         `db:"template_id" json:"template_id"`
	Status      CampaignStatus `db:"status" json:"status"`
	ScheduledAt *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt      *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Due reports whether a scheduled campaign should start at now.
func (c *Campaign) Due(now time.Time) bool {
	return c.Status == CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
}
