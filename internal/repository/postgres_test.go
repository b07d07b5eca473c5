package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/db"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// openTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests using it share one database and must not run in parallel.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	sqlDB, err := db.Open(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(ctx, sqlDB))
	_, err = sqlDB.ExecContext(ctx, `
        TRUNCATE applied_webhook_events, send_records, campaigns, subscribers, email_templates
        RESTART IDENTITY CASCADE
    `)
	require.NoError(t, err)
	return sqlDB
}

type pgStores struct {
	db          *sql.DB
	campaigns   *CampaignRepository
	subscribers *SubscriberRepository
	records     *SendRecordRepository
}

func newPGStores(t *testing.T, policy model.RetryPolicy) *pgStores {
	sqlDB := openTestDB(t)
	return &pgStores{
		db:          sqlDB,
		campaigns:   &CampaignRepository{DB: sqlDB},
		subscribers: &SubscriberRepository{DB: sqlDB},
		records:     &SendRecordRepository{DB: sqlDB, Policy: policy},
	}
}

func (s *pgStores) seed(t *testing.T, n int) (*model.Campaign, []*model.Subscriber) {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "Launch", Subject: "Hi", TemplateID: "welcome", Status: model.CampaignSending}
	require.NoError(t, s.campaigns.Create(ctx, c))

	subs := make([]*model.Subscriber, 0, n)
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		sub := &model.Subscriber{
			Email:    fmt.Sprintf("user%03d@example.com", i),
			Name:     "User",
			IsActive: true,
		}
		require.NoError(t, s.subscribers.Create(ctx, sub))
		subs = append(subs, sub)
		ids = append(ids, sub.ID)
	}
	created, err := s.records.CreateBatch(ctx, c.ID, ids)
	require.NoError(t, err)
	require.Equal(t, n, created)
	return c, subs
}

func TestPostgresCampaigns_TransitionStatus(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	c := &model.Campaign{Name: "Launch", Subject: "Hi", TemplateID: "welcome"}
	require.NoError(t, s.campaigns.Create(ctx, c))

	ok, err := s.campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}, model.CampaignSending)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, got.Status)
	require.NotNil(t, got.SentAt)
	sentAt := *got.SentAt

	ok, err = s.campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignDraft}, model.CampaignSending)
	require.NoError(t, err)
	assert.False(t, ok, "campaign is no longer a draft")

	ok, err = s.campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignSending}, model.CampaignCompleted)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, sentAt.Equal(*got.SentAt), "sent_at keeps the start time")

	_, err = s.campaigns.TransitionStatus(ctx, 9999, []model.CampaignStatus{model.CampaignDraft}, model.CampaignSending)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestPostgresCampaigns_ListDue(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	now := time.Now().UTC()

	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	due := &model.Campaign{Name: "Due", Subject: "Hi", TemplateID: "welcome", Status: model.CampaignScheduled, ScheduledAt: &past}
	later := &model.Campaign{Name: "Later", Subject: "Hi", TemplateID: "welcome", Status: model.CampaignScheduled, ScheduledAt: &future}
	require.NoError(t, s.campaigns.Create(ctx, due))
	require.NoError(t, s.campaigns.Create(ctx, later))

	got, err := s.campaigns.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestPostgresRecords_CreateBatchIsIdempotent(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	c, subs := s.seed(t, 3)

	require.NoError(t, s.subscribers.Deactivate(ctx, subs[2].ID))
	ids := []int{subs[0].ID, subs[1].ID, subs[2].ID}
	n, err := s.records.CreateBatch(ctx, c.ID, ids)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := s.records.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[model.StatusPending])
}

func TestPostgresRecords_ConcurrentClaimsNeverOverlap(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	c, _ := s.seed(t, 60)

	var (
		mu      sync.Mutex
		claimed []int
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.records.ClaimPendingBatch(ctx, c.ID, 4)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, rec := range batch {
					assert.Equal(t, model.StatusSending, rec.Status)
					claimed = append(claimed, rec.ID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Ints(claimed)
	require.Len(t, claimed, 60)
	for i := 1; i < len(claimed); i++ {
		assert.NotEqual(t, claimed[i-1], claimed[i], "record claimed twice")
	}
	stats, err := s.records.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, stats.ByStatus[model.StatusSending])
}

func TestPostgresRecords_RetryWaitsForBackoff(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: 4 * time.Hour})
	ctx := context.Background()
	c, _ := s.seed(t, 2)

	batch, err := s.records.ClaimPendingBatch(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	transient, permanent := batch[0], batch[1]

	_, err = s.records.RecordOutcome(ctx, transient.ID, model.Outcome{Kind: model.OutcomeTransient, Error: "429"})
	require.NoError(t, err)
	_, err = s.records.RecordOutcome(ctx, permanent.ID, model.Outcome{Kind: model.OutcomePermanent, Error: "bad address"})
	require.NoError(t, err)

	n, err := s.records.RequeueRetryable(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "backoff has not elapsed")
	again, err := s.records.ClaimPendingBatch(ctx, c.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = s.db.ExecContext(ctx, `UPDATE send_records SET last_attempt_at = NOW() - interval '2 hours' WHERE campaign_id=$1`, c.ID)
	require.NoError(t, err)

	n, err = s.records.RequeueRetryable(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the transient failure is retried")

	rec, err := s.records.GetByID(ctx, transient.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)

	rec, err = s.records.GetByID(ctx, permanent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)

	stats, err := s.records.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentlyFailed())
}

func TestPostgresRecords_RecoverStaleClaims(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	c, _ := s.seed(t, 2)

	_, err := s.records.ClaimPendingBatch(ctx, c.ID, 10)
	require.NoError(t, err)

	n, err := s.records.RecoverStaleClaims(ctx, c.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "claims are still fresh")

	n, err = s.records.RecoverStaleClaims(ctx, c.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostgresRecords_WebhookEventsApplyOnce(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	c, _ := s.seed(t, 1)

	batch, err := s.records.ClaimPendingBatch(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	_, err = s.records.RecordOutcome(ctx, batch[0].ID, model.Outcome{Kind: model.OutcomeAccepted, ProviderMessageID: "pg-msg-1"})
	require.NoError(t, err)

	ev := model.WebhookEvent{EventID: "ev-1", ProviderMessageID: "pg-msg-1", Type: model.EventOpened, Timestamp: time.Now().UTC()}
	tr, err := s.records.UpdateByProviderMessageID(ctx, ev)
	require.NoError(t, err)
	assert.False(t, tr.Duplicate)
	assert.Equal(t, model.StatusAccepted, tr.From)
	assert.Equal(t, model.StatusOpened, tr.To)

	tr, err = s.records.UpdateByProviderMessageID(ctx, ev)
	require.NoError(t, err)
	assert.True(t, tr.Duplicate)

	rec, err := s.records.GetByID(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpened, rec.Status)
	assert.NotNil(t, rec.DeliveredAt, "open implies delivery")

	_, err = s.records.UpdateByProviderMessageID(ctx, model.WebhookEvent{EventID: "ev-2", ProviderMessageID: "unknown", Type: model.EventDelivered})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	n, err := s.records.PurgeAppliedEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresSubscribers_DeactivateByToken(t *testing.T) {
	s := newPGStores(t, model.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	c, subs := s.seed(t, 2)

	batch, err := s.records.ClaimPendingBatch(ctx, c.ID, 10)
	require.NoError(t, err)
	for _, rec := range batch {
		_, err := s.records.RecordOutcome(ctx, rec.ID, model.Outcome{Kind: model.OutcomeAccepted, ProviderMessageID: "pg-" + rec.Destination})
		require.NoError(t, err)
	}

	sub, err := s.subscribers.DeactivateByToken(ctx, subs[0].UnsubscribeToken)
	require.NoError(t, err)
	assert.Equal(t, subs[0].ID, sub.ID)
	assert.False(t, sub.IsActive)

	n, err := s.records.UnsubscribeSubscriber(ctx, sub.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.subscribers.ListActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{subs[1].ID}, ids)

	_, err = s.subscribers.DeactivateByToken(ctx, "no-such-token")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
