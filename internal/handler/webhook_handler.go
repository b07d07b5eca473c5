// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

const maxWebhookBody = 1 << 20

// EventPublisher hands normalized events to the reconciler.
type EventPublisher interface {
	Publish(ctx context.Context, events ...model.WebhookEvent) error
}

// SeenFilter drops events that were already accepted. *idempotency.Guard
// implements it.
type SeenFilter interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string)
}

// sendGridEvent is one element of the SendGrid Event Webhook array.
type sendGridEvent struct {
	EventID   string `json:"sg_event_id"`
	MessageID string `json:"sg_message_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"`
}

var sendGridEventTypes = map[string]model.EventType{
	"delivered":         model.EventDelivered,
	"open":              model.EventOpened,
	"click":             model.EventClicked,
	"bounce":            model.EventBounced,
	"dropped":           model.EventBounced,
	"unsubscribe":       model.EventUnsubscribed,
	"group_unsubscribe": model.EventUnsubscribed,
	"spamreport":        model.EventUnsubscribed,
}

type WebhookHandler struct {
	Queue EventPublisher
	Seen  SeenFilter
	Log   *zap.Logger
}

func NewWebhookHandler(q EventPublisher, seen SeenFilter, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Queue: q, Seen: seen, Log: log}
}

type webhookResponse struct {
	Received  int `json:"received"`
	Queued    int `json:"queued"`
	Ignored   int `json:"ignored"`
	Duplicate int `json:"duplicate"`
}

// SendGridWebhook accepts a SendGrid event batch, filters it and queues it
// for reconciliation. It answers 202 without waiting for the store.
func (h *WebhookHandler) SendGridWebhook(w http.ResponseWriter, r *http.Request) {
	var payload []sendGridEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook payload"})
		return
	}

	ctx := r.Context()
	resp := webhookResponse{Received: len(payload)}
	events := make([]model.WebhookEvent, 0, len(payload))
	for _, raw := range payload {
		ev, ok := NormalizeSendGridEvent(raw.EventID, raw.MessageID, raw.Event, raw.Timestamp)
		if !ok {
			resp.Ignored++
			continue
		}
		if h.Seen != nil {
			first, err := h.Seen.FirstSeen(ctx, ev.EventID)
			if err != nil {
				h.forget(ctx, events)
				h.Log.Error("idempotency check failed", zap.Error(err))
				WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again later"})
				return
			}
			if !first {
				resp.Duplicate++
				continue
			}
		}
		events = append(events, ev)
	}

	if len(events) > 0 {
		if err := h.Queue.Publish(ctx, events...); err != nil {
			// let the provider redeliver
			h.forget(ctx, events)
			h.Log.Error("failed to queue webhook events", zap.Int("events", len(events)), zap.Error(err))
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again later"})
			return
		}
	}
	resp.Queued = len(events)

	h.Log.Debug("webhook batch queued",
		zap.Int("received", resp.Received),
		zap.Int("queued", resp.Queued),
		zap.Int("duplicate", resp.Duplicate))
	WriteJSON(w, http.StatusAccepted, resp)
}

func (h *WebhookHandler) forget(ctx context.Context, events []model.WebhookEvent) {
	if h.Seen == nil {
		return
	}
	for _, ev := range events {
		h.Seen.Forget(context.WithoutCancel(ctx), ev.EventID)
	}
}

// NormalizeSendGridEvent maps a raw SendGrid event onto the engine's event
// model. Event types the engine does not track (processed, deferred, ...) and
// events without a message id report false.
func NormalizeSendGridEvent(eventID, messageID, event string, timestamp int64) (model.WebhookEvent, bool) {
	typ, ok := sendGridEventTypes[strings.ToLower(strings.TrimSpace(event))]
	if !ok {
		return model.WebhookEvent{}, false
	}
	msgID := NormalizeMessageID(messageID)
	if msgID == "" {
		return model.WebhookEvent{}, false
	}

	at := time.Now().UTC()
	if timestamp > 0 {
		at = time.Unix(timestamp, 0).UTC()
	}
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s:%d", msgID, typ, timestamp)
	}
	return model.WebhookEvent{
		EventID:           eventID,
		ProviderMessageID: msgID,
		Type:              typ,
		Timestamp:         at,
	}, true
}

// NormalizeMessageID strips the ".filter..." suffix SendGrid appends to the
// X-Message-Id returned at send time.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	return id
}
