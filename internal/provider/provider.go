package provider

import "context"

// Custom argument keys attached to every campaign email. SendGrid echoes them
// back on webhook events.
const (
	ArgCampaignID   = "campaign_id"
	ArgSubscriberID = "subscriber_id"
	ArgRecordID     = "record_id"
)

// Message is one fully rendered email.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
	Metadata map[string]string
}

type SendResult struct {
	MessageID  string
	StatusCode int
}

// Client sends a single message. Errors wrap appErrors.ErrTransientProvider
// or appErrors.ErrPermanentProvider.
type Client interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}
