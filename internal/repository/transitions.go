package repository

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// applyOutcome mutates a claimed record with a dispatcher outcome. Both store
// implementations call it while holding the record exclusively.
func applyOutcome(rec *model.SendRecord, o model.Outcome, policy model.RetryPolicy) error {
	if rec.Status != model.StatusSending {
		return &appErrors.StaleTransitionError{
			RecordID: rec.ID,
			From:     string(rec.Status),
			Event:    "outcome " + string(o.Kind),
		}
	}

	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch o.Kind {
	case model.OutcomeAccepted:
		rec.Status = model.StatusAccepted
		rec.AttemptCount++
		rec.ProviderMessageID = o.ProviderMessageID
		rec.LastError = ""
		rec.LastAttemptAt = &at
	case model.OutcomeTransient:
		rec.Status = model.StatusFailed
		rec.AttemptCount++
		rec.LastError = o.Error
		rec.LastAttemptAt = &at
	case model.OutcomePermanent:
		rec.Status = model.StatusFailed
		rec.AttemptCount = policy.MaxAttempts
		rec.LastError = o.Error
		rec.LastAttemptAt = &at
	case model.OutcomeRequeue:
		rec.Status = model.StatusPending
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	rec.ClaimedAt = nil
	rec.UpdatedAt = at
	return nil
}

// applyWebhook moves rec according to the webhook state machine.
func applyWebhook(rec *model.SendRecord, ev model.WebhookEvent) (model.Transition, error) {
	tr := model.Transition{
		RecordID:     rec.ID,
		CampaignID:   rec.CampaignID,
		SubscriberID: rec.SubscriberID,
		From:         rec.Status,
	}

	next, ok := model.NextStatus(rec.Status, ev.Type)
	if !ok {
		return tr, &appErrors.StaleTransitionError{
			RecordID: rec.ID,
			From:     string(rec.Status),
			Event:    string(ev.Type),
			Early:    rec.Status.BeforeAccepted(),
		}
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.Status = next
	model.StampEventTime(rec, next, at)
	rec.UpdatedAt = time.Now().UTC()

	tr.To = next
	return tr, nil
}
