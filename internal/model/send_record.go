// internal/model/send_record.go
package model

import "time"

// Personalization keys stored on a send record.
const (
	FieldName             = "name"
	FieldCustomMessage    = "custom_message"
	FieldUnsubscribeToken = "unsubscribe_token"
)

// SendRecord is the durable per (campaign, subscriber) delivery row.
type SendRecord struct {
	ID                int               `db:"id" json:"id"`
	CampaignID        int               `db:"campaign_id" json:"campaign_id"`
	SubscriberID      int               `db:"subscriber_id" json:"subscriber_id"`
	Destination       string            `db:"destination" json:"destination"`
	Personalization   map[string]string `db:"personalization" json:"personalization"`
	Status            DeliveryStatus    `db:"status" json:"status"`
	AttemptCount      int               `db:"attempt_count" json:"attempt_count"`
	LastAttemptAt     *time.Time        `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError         string            `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ClaimedAt         *time.Time        `db:"claimed_at" json:"-"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	OpenedAt          *time.Time        `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time        `db:"clicked_at" json:"clicked_at,omitempty"`
	BouncedAt         *time.Time        `db:"bounced_at" json:"bounced_at,omitempty"`
	UnsubscribedAt    *time.Time        `db:"unsubscribed_at" json:"unsubscribed_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RetryPolicy bounds how often a failed record is claimed again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff is the wait after the given attempt before the record may be
// claimed again.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryEligible reports whether a failed record may be sent again.
func (p RetryPolicy) RetryEligible(r *SendRecord) bool {
	return r.Status == StatusFailed && r.AttemptCount < p.MaxAttempts
}

// Claimable reports whether a record may be claimed by a dispatcher at now.
func (p RetryPolicy) Claimable(r *SendRecord, now time.Time) bool {
	switch {
	case r.Status == StatusPending:
		return true
	case p.RetryEligible(r):
		if r.LastAttemptAt == nil {
			return true
		}
		return !r.LastAttemptAt.Add(p.Backoff(r.AttemptCount)).After(now)
	}
	return false
}

// OutcomeKind is the result class of one dispatch attempt.
type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
	OutcomeRequeue   OutcomeKind = "requeue"
)

// Outcome is what the dispatcher writes back for a claimed record.
type Outcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Error             string
	At                time.Time
}

// CampaignStats are aggregate per-status counts for one campaign.
type CampaignStats struct {
	CampaignID int                    `json:"campaign_id"`
	Total      int                    `json:"total"`
	ByStatus   map[DeliveryStatus]int `json:"by_status"`
	// RetryEligible counts failed records that still have attempts left.
	RetryEligible int `json:"retry_eligible"`
}

func (s CampaignStats) Pending() int {
	return s.ByStatus[StatusPending] + s.ByStatus[StatusSending]
}

// Sent counts records the provider accepted, whatever happened afterwards.
func (s CampaignStats) Sent() int {
	n := 0
	for st, c := range s.ByStatus {
		if st.Sent() {
			n += c
		}
	}
	return n
}

func (s CampaignStats) Failed() int {
	return s.ByStatus[StatusFailed]
}

// PermanentlyFailed counts failed records with no attempts left.
func (s CampaignStats) PermanentlyFailed() int {
	return s.ByStatus[StatusFailed] - s.RetryEligible
}
