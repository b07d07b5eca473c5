// internal/service/reconciler.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type ReconcilerConfig struct {
	LookupAttempts   int
	LookupBaseDelay  time.Duration
	OutOfOrderWindow time.Duration
}

// Reconciler applies provider webhook events to send records.
type Reconciler struct {
	Records     repository.SendRecordRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Config      ReconcilerConfig

	pending sync.WaitGroup
}

// retryState tracks how often one event was deferred.
type retryState struct {
	lookups int
	early   bool
}

// Start consumes events from q until ctx ends.
func (r *Reconciler) Start(ctx context.Context, q queue.EventQueue) error {
	r.Log.Info("reconciler consuming webhook events")
	return q.Consume(ctx, r.Apply)
}

// Wait blocks until every deferred retry has run or been abandoned.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

// Apply applies one event. Events that cannot apply yet are retried later on
// a timer, so Apply never blocks on them. Only store errors are returned.
func (r *Reconciler) Apply(ctx context.Context, ev model.WebhookEvent) error {
	return r.apply(ctx, ev, retryState{})
}

func (r *Reconciler) apply(ctx context.Context, ev model.WebhookEvent, st retryState) error {
	log := r.Log.With(
		zap.String("event_id", ev.EventID),
		zap.String("message_id", ev.ProviderMessageID),
		zap.String("type", string(ev.Type)),
	)

	tr, err := r.Records.UpdateByProviderMessageID(ctx, ev)
	var stale *appErrors.StaleTransitionError
	switch {
	case err == nil:
		return r.applied(ctx, ev, tr, log)

	case errors.Is(err, appErrors.ErrNotFound):
		if st.lookups+1 >= r.Config.LookupAttempts {
			r.Metrics.WebhookEvent(string(ev.Type), "unresolved")
			log.Warn("dropping webhook event for unknown message", zap.Int("attempts", st.lookups+1))
			return nil
		}
		delay := r.Config.LookupBaseDelay << st.lookups
		st.lookups++
		r.Metrics.WebhookEvent(string(ev.Type), "deferred")
		log.Debug("message not found yet, retrying later", zap.Duration("delay", delay))
		r.later(ctx, ev, st, delay)
		return nil

	case errors.As(err, &stale):
		if stale.Early && !st.early {
			st.early = true
			r.Metrics.WebhookEvent(string(ev.Type), "deferred")
			log.Debug("event arrived before send outcome, retrying once", zap.String("status", stale.From))
			r.later(ctx, ev, st, r.Config.OutOfOrderWindow)
			return nil
		}
		r.Metrics.WebhookEvent(string(ev.Type), "stale")
		log.Warn("dropping stale webhook event", zap.String("status", stale.From))
		return nil

	default:
		r.Metrics.WebhookEvent(string(ev.Type), "error")
		return fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}
}

func (r *Reconciler) applied(ctx context.Context, ev model.WebhookEvent, tr model.Transition, log *zap.Logger) error {
	if tr.Duplicate {
		r.Metrics.WebhookEvent(string(ev.Type), "duplicate")
		log.Debug("duplicate webhook event ignored")
	} else {
		r.Metrics.WebhookEvent(string(ev.Type), "applied")
		log.Debug("webhook event applied",
			zap.Int("record_id", tr.RecordID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
	}

	// repeated on duplicates so a failed propagation heals on redelivery
	if tr.To == model.StatusUnsubscribed {
		return r.optOut(ctx, ev, tr)
	}
	return nil
}

// optOut makes an unsubscribe global: the subscriber is deactivated and every
// engaged record in other campaigns follows.
func (r *Reconciler) optOut(ctx context.Context, ev model.WebhookEvent, tr model.Transition) error {
	if err := r.Subscribers.Deactivate(ctx, tr.SubscriberID); err != nil && !errors.Is(err, appErrors.ErrNotFound) {
		return fmt.Errorf("deactivate subscriber %d: %w", tr.SubscriberID, err)
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	n, err := r.Records.UnsubscribeSubscriber(ctx, tr.SubscriberID, at)
	if err != nil {
		return fmt.Errorf("unsubscribe subscriber %d: %w", tr.SubscriberID, err)
	}
	r.Log.Info("subscriber unsubscribed",
		zap.Int("subscriber_id", tr.SubscriberID),
		zap.Int("campaign_id", tr.CampaignID),
		zap.Int("records_updated", n))
	return nil
}

// later re-applies ev after delay on its own goroutine.
func (r *Reconciler) later(ctx context.Context, ev model.WebhookEvent, st retryState, delay time.Duration) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			r.Log.Warn("abandoning deferred webhook event", zap.String("event_id", ev.EventID))
			return
		case <-t.C:
		}
		if err := r.apply(ctx, ev, st); err != nil {
			r.Log.Error("deferred webhook event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}()
}
