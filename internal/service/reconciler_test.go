package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

func (f *fixture) reconciler(cfg service.ReconcilerConfig) *service.Reconciler {
	if cfg.LookupAttempts == 0 {
		cfg.LookupAttempts = 3
	}
	if cfg.LookupBaseDelay == 0 {
		cfg.LookupBaseDelay = 5 * time.Millisecond
	}
	if cfg.OutOfOrderWindow == 0 {
		cfg.OutOfOrderWindow = 20 * time.Millisecond
	}
	return &service.Reconciler{
		Records:     f.mem.Records(),
		Subscribers: f.mem.Subscribers(),
		Log:         zap.NewNop(),
		Config:      cfg,
	}
}

// sendAll dispatches c so every record is accepted.
func (f *fixture) sendAll(t *testing.T, c *model.Campaign) {
	t.Helper()
	f.startSending(t, c)
	_, err := f.dispatcher(service.DispatchConfig{}, nil).Run(context.Background(), c)
	require.NoError(t, err)
}

func event(id, messageID string, typ model.EventType) model.WebhookEvent {
	return model.WebhookEvent{EventID: id, ProviderMessageID: messageID, Type: typ, Timestamp: time.Now().UTC()}
}

func TestReconciler_AppliesLifecycle(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.sendAll(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{})
	ctx := context.Background()
	msgID := f.records(f.campaign)[0].ProviderMessageID

	require.NoError(t, r.Apply(ctx, event("e1", msgID, model.EventDelivered)))
	require.NoError(t, r.Apply(ctx, event("e2", msgID, model.EventOpened)))
	require.NoError(t, r.Apply(ctx, event("e3", msgID, model.EventClicked)))

	rec := f.records(f.campaign)[0]
	assert.Equal(t, model.StatusClicked, rec.Status)
	assert.NotNil(t, rec.DeliveredAt)
	assert.NotNil(t, rec.OpenedAt)
	assert.NotNil(t, rec.ClickedAt)
}

func TestReconciler_DuplicateEventIsNoop(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.sendAll(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{})
	ctx := context.Background()
	msgID := f.records(f.campaign)[0].ProviderMessageID

	ev := event("e1", msgID, model.EventOpened)
	require.NoError(t, r.Apply(ctx, ev))
	first := f.records(f.campaign)[0]

	require.NoError(t, r.Apply(ctx, ev))
	second := f.records(f.campaign)[0]
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestReconciler_StaleEventIsDropped(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.sendAll(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{})
	ctx := context.Background()
	msgID := f.records(f.campaign)[0].ProviderMessageID

	require.NoError(t, r.Apply(ctx, event("e1", msgID, model.EventClicked)))
	require.NoError(t, r.Apply(ctx, event("e2", msgID, model.EventDelivered)))
	require.NoError(t, r.Apply(ctx, event("e3", msgID, model.EventBounced)))
	r.Wait()

	assert.Equal(t, model.StatusClicked, f.records(f.campaign)[0].Status)
}

func TestReconciler_UnknownMessageIsDroppedAfterRetries(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.sendAll(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{LookupAttempts: 3, LookupBaseDelay: time.Millisecond})

	require.NoError(t, r.Apply(context.Background(), event("e1", "does-not-exist", model.EventDelivered)))

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred lookups never finished")
	}
	assert.Equal(t, model.StatusAccepted, f.records(f.campaign)[0].Status)
}

func TestReconciler_EventBeforeSendOutcome(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.startSending(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{LookupAttempts: 10, LookupBaseDelay: 10 * time.Millisecond})
	ctx := context.Background()

	// claim the record and hold the outcome back, as if the provider answered
	// after SendGrid had already posted the delivery webhook
	batch, err := f.mem.Records().ClaimPendingBatch(ctx, f.campaign.ID, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, r.Apply(ctx, event("e1", "late-id", model.EventDelivered)))

	time.Sleep(15 * time.Millisecond)
	_, err = f.mem.Records().RecordOutcome(ctx, batch[0].ID, model.Outcome{Kind: model.OutcomeAccepted, ProviderMessageID: "late-id"})
	require.NoError(t, err)

	r.Wait()
	rec := f.records(f.campaign)[0]
	assert.Equal(t, model.StatusDelivered, rec.Status)
	assert.NotNil(t, rec.DeliveredAt)
}

func TestReconciler_UnsubscribePropagatesAcrossCampaigns(t *testing.T) {
	f := newFixture(t, defaultPolicy, 2)
	second := f.addCampaign(t, "Follow-up", model.CampaignDraft)
	f.sendAll(t, f.campaign)
	f.sendAll(t, second)
	r := f.reconciler(service.ReconcilerConfig{})
	ctx := context.Background()

	target := f.records(f.campaign)[0]
	require.NoError(t, r.Apply(ctx, event("e1", target.ProviderMessageID, model.EventUnsubscribed)))

	sub, err := f.mem.Subscribers().GetByID(ctx, target.SubscriberID)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)

	for _, c := range []*model.Campaign{f.campaign, second} {
		for _, rec := range f.records(c) {
			if rec.SubscriberID == target.SubscriberID {
				assert.Equal(t, model.StatusUnsubscribed, rec.Status, "campaign %d", c.ID)
				assert.NotNil(t, rec.UnsubscribedAt)
			} else {
				assert.Equal(t, model.StatusAccepted, rec.Status, "other subscribers are untouched")
			}
		}
	}

	// a later campaign no longer targets the subscriber
	third := f.addCampaign(t, "Third", model.CampaignDraft)
	f.startSending(t, third)
	recs := f.records(third)
	require.Len(t, recs, 1)
	assert.NotEqual(t, target.SubscriberID, recs[0].SubscriberID)
}

func TestReconciler_ConsumesFromQueue(t *testing.T) {
	f := newFixture(t, defaultPolicy, 1)
	f.sendAll(t, f.campaign)
	r := f.reconciler(service.ReconcilerConfig{})
	msgID := f.records(f.campaign)[0].ProviderMessageID

	q := queue.NewInMemoryQueue(8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx, q) }()

	require.NoError(t, q.Publish(ctx, event("e1", msgID, model.EventDelivered)))
	assert.Eventually(t, func() bool {
		return f.records(f.campaign)[0].Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}
