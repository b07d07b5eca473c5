// internal/model/webhook_event.go
package model

import "time"

type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventBounced      EventType = "bounced"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventUnsubscribed EventType = "unsubscribed"
)

// WebhookEvent is a normalized provider callback.
type WebhookEvent struct {
	EventID           string    `json:"event_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Type              EventType `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
}

// Transition is the result of applying a webhook event to a send record.
type Transition struct {
	RecordID     int
	CampaignID   int
	SubscriberID int
	From         DeliveryStatus
	To           DeliveryStatus
	Duplicate    bool
}

// StampEventTime sets the per-event timestamp for status to on r, filling the
// implied delivered/opened timestamps when they were never confirmed.
func StampEventTime(r *SendRecord, to DeliveryStatus, at time.Time) {
	t := at
	set := func(p **time.Time) {
		if *p == nil {
			*p = &t
		}
	}
	switch to {
	case StatusDelivered:
		set(&r.DeliveredAt)
	case StatusOpened:
		set(&r.DeliveredAt)
		set(&r.OpenedAt)
	case StatusClicked:
		set(&r.DeliveredAt)
		set(&r.OpenedAt)
		set(&r.ClickedAt)
	case StatusBounced:
		set(&r.BouncedAt)
	case StatusUnsubscribed:
		set(&r.UnsubscribedAt)
	}
}
