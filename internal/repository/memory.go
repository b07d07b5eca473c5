package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// Memory is an in-process store backing every repository interface. All
// tables share one mutex so cross-table operations stay atomic, which gives
// the same exclusivity guarantees as the Postgres row locks.
type Memory struct {
	mu          sync.Mutex
	policy      model.RetryPolicy
	now         func() time.Time
	campaigns   map[int]*model.Campaign
	subscribers map[int]*model.Subscriber
	records     map[int]*model.SendRecord
	byMessageID map[string]int
	applied     map[string]time.Time
	templates   map[string]string
	nextID      map[string]int
}

func NewMemory(policy model.RetryPolicy) *Memory {
	return &Memory{
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
		campaigns:   map[int]*model.Campaign{},
		subscribers: map[int]*model.Subscriber{},
		records:     map[int]*model.SendRecord{},
		byMessageID: map[string]int{},
		applied:     map[string]time.Time{},
		templates:   map[string]string{},
		nextID:      map[string]int{},
	}
}

func (m *Memory) Campaigns() *MemoryCampaigns { return &MemoryCampaigns{m} }
func (m *Memory) Subscribers() *MemorySubscribers { return &MemorySubscribers{m} }
func (m *Memory) Records() *MemoryRecords { return &MemoryRecords{m} }
func (m *Memory) Templates() *MemoryTemplates { return &MemoryTemplates{m} }

// SetClock replaces the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) id(table string) int {
	m.nextID[table]++
	return m.nextID[table]
}

// ====================== Campaigns ======================

type MemoryCampaigns struct{ m *Memory }

func (r *MemoryCampaigns) Create(_ context.Context, c *model.Campaign) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.ID = r.m.id("campaigns")
	c.CreatedAt = r.m.now()
	cp := *c
	r.m.campaigns[c.ID] = &cp
	return nil
}

func (r *MemoryCampaigns) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCampaigns) ListByStatus(_ context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	return r.filter(func(c *model.Campaign) bool { return c.Status == status }), nil
}

func (r *MemoryCampaigns) ListDue(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	return r.filter(func(c *model.Campaign) bool { return c.Due(now) }), nil
}

func (r *MemoryCampaigns) filter(keep func(*model.Campaign) bool) []*model.Campaign {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range r.m.campaigns {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryCampaigns) TransitionStatus(_ context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	for _, s := range from {
		if c.Status == s {
			now := r.m.now()
			c.Status = to
			c.UpdatedAt = &now
			if to == model.CampaignSending && c.SentAt == nil {
				c.SentAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

// ====================== Subscribers ======================

type MemorySubscribers struct{ m *Memory }

func (r *MemorySubscribers) Create(_ context.Context, s *model.Subscriber) error {
	prepareSubscriber(s)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s.ID = r.m.id("subscribers")
	cp := *s
	r.m.subscribers[s.ID] = &cp
	return nil
}

func (r *MemorySubscribers) GetByID(_ context.Context, id int) (*model.Subscriber, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subscribers[id]
	if !ok {
		return nil, appErrors.NewSubscriberNotFound(id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemorySubscribers) ListActiveIDs(_ context.Context) ([]int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ids := []int{}
	for id, s := range r.m.subscribers {
		if s.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (r *MemorySubscribers) Deactivate(_ context.Context, id int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subscribers[id]
	if !ok {
		return appErrors.NewSubscriberNotFound(id)
	}
	s.IsActive = false
	return nil
}

func (r *MemorySubscribers) DeactivateByToken(_ context.Context, token string) (*model.Subscriber, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.subscribers {
		if token != "" && s.UnsubscribeToken == token {
			s.IsActive = false
			cp := *s
			return &cp, nil
		}
	}
	return nil, &appErrors.NotFoundError{Entity: "subscriber", Key: "unsubscribe token"}
}

// ====================== Templates ======================

type MemoryTemplates struct{ m *Memory }

func (r *MemoryTemplates) Put(templateID, content string) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.templates[templateID] = content
}

func (r *MemoryTemplates) GetContent(_ context.Context, templateID string) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	content, ok := r.m.templates[templateID]
	if !ok {
		return "", &appErrors.NotFoundError{Entity: "template", Key: templateID}
	}
	return content, nil
}

// ====================== Send records ======================

type MemoryRecords struct{ m *Memory }

func (r *MemoryRecords) CreateBatch(_ context.Context, campaignID int, subscriberIDs []int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	existing := map[int]bool{}
	for _, rec := range r.m.records {
		if rec.CampaignID == campaignID {
			existing[rec.SubscriberID] = true
		}
	}

	ids := append([]int(nil), subscriberIDs...)
	sort.Ints(ids)
	created := 0
	for _, sid := range ids {
		s, ok := r.m.subscribers[sid]
		if !ok || !s.IsActive || existing[sid] {
			continue
		}
		now := r.m.now()
		rec := &model.SendRecord{
			ID:              r.m.id("records"),
			CampaignID:      campaignID,
			SubscriberID:    sid,
			Destination:     s.Email,
			Personalization: s.Personalization(),
			Status:          model.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		r.m.records[rec.ID] = rec
		existing[sid] = true
		created++
	}
	return created, nil
}

func (r *MemoryRecords) ClaimPendingBatch(_ context.Context, campaignID, limit int) ([]*model.SendRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	now := r.m.now()
	claimed := []*model.SendRecord{}
	for _, rec := range r.m.sortedRecords() {
		if len(claimed) >= limit {
			break
		}
		if rec.CampaignID != campaignID || !r.m.policy.Claimable(rec, now) {
			continue
		}
		rec.Status = model.StatusSending
		claimedAt := now
		rec.ClaimedAt = &claimedAt
		rec.UpdatedAt = now
		claimed = append(claimed, copyRecord(rec))
	}
	return claimed, nil
}

func (r *MemoryRecords) RecordOutcome(_ context.Context, recordID int, outcome model.Outcome) (*model.SendRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, ok := r.m.records[recordID]
	if !ok {
		return nil, appErrors.NewRecordNotFound(recordID)
	}
	if outcome.At.IsZero() {
		outcome.At = r.m.now()
	}
	work := copyRecord(rec)
	if err := applyOutcome(work, outcome, r.m.policy); err != nil {
		return nil, err
	}
	if work.ProviderMessageID != "" {
		r.m.byMessageID[work.ProviderMessageID] = work.ID
	}
	r.m.records[recordID] = work
	return copyRecord(work), nil
}

func (r *MemoryRecords) UpdateByProviderMessageID(_ context.Context, ev model.WebhookEvent) (model.Transition, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	id, ok := r.m.byMessageID[ev.ProviderMessageID]
	if !ok {
		return model.Transition{}, appErrors.NewRecordNotFound(ev.ProviderMessageID)
	}
	rec := r.m.records[id]
	if _, seen := r.m.applied[ev.EventID]; seen {
		return model.Transition{
			RecordID: rec.ID, CampaignID: rec.CampaignID, SubscriberID: rec.SubscriberID,
			From: rec.Status, To: rec.Status, Duplicate: true,
		}, nil
	}
	work := copyRecord(rec)
	tr, err := applyWebhook(work, ev)
	if err != nil {
		return tr, err
	}
	r.m.records[id] = work
	r.m.applied[ev.EventID] = r.m.now()
	return tr, nil
}

func (r *MemoryRecords) UnsubscribeSubscriber(_ context.Context, subscriberID int, at time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, rec := range r.m.records {
		if rec.SubscriberID != subscriberID || !rec.Status.Engaged() {
			continue
		}
		rec.Status = model.StatusUnsubscribed
		model.StampEventTime(rec, model.StatusUnsubscribed, at)
		rec.UpdatedAt = r.m.now()
		n++
	}
	return n, nil
}

func (r *MemoryRecords) RequeueRetryable(_ context.Context, campaignID int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.now()
	n := 0
	for _, rec := range r.m.records {
		if rec.CampaignID != campaignID || rec.Status != model.StatusFailed || !r.m.policy.Claimable(rec, now) {
			continue
		}
		rec.Status = model.StatusPending
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *MemoryRecords) RecoverStaleClaims(_ context.Context, campaignID int, claimedBefore time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, rec := range r.m.records {
		if rec.CampaignID != campaignID || rec.Status != model.StatusSending {
			continue
		}
		if rec.ClaimedAt != nil && rec.ClaimedAt.Before(claimedBefore) {
			rec.Status = model.StatusPending
			rec.ClaimedAt = nil
			rec.UpdatedAt = r.m.now()
			n++
		}
	}
	return n, nil
}

func (r *MemoryRecords) GetByID(_ context.Context, id int) (*model.SendRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, ok := r.m.records[id]
	if !ok {
		return nil, appErrors.NewRecordNotFound(id)
	}
	return copyRecord(rec), nil
}

// ListByCampaign returns every record of a campaign in id order.
func (r *MemoryRecords) ListByCampaign(_ context.Context, campaignID int) []*model.SendRecord {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []*model.SendRecord{}
	for _, rec := range r.m.sortedRecords() {
		if rec.CampaignID == campaignID {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

func (r *MemoryRecords) Stats(_ context.Context, campaignID int) (model.CampaignStats, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stats := model.CampaignStats{CampaignID: campaignID, ByStatus: map[model.DeliveryStatus]int{}}
	for _, rec := range r.m.records {
		if rec.CampaignID != campaignID {
			continue
		}
		stats.ByStatus[rec.Status]++
		stats.Total++
		if r.m.policy.RetryEligible(rec) {
			stats.RetryEligible++
		}
	}
	return stats, nil
}

func (r *MemoryRecords) PurgeAppliedEvents(_ context.Context, appliedBefore time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for id, at := range r.m.applied {
		if at.Before(appliedBefore) {
			delete(r.m.applied, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) sortedRecords() []*model.SendRecord {
	out := make([]*model.SendRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyRecord(rec *model.SendRecord) *model.SendRecord {
	cp := *rec
	if rec.Personalization != nil {
		cp.Personalization = make(map[string]string, len(rec.Personalization))
		for k, v := range rec.Personalization {
			cp.Personalization[k] = v
		}
	}
	return &cp
}

var (
	_ CampaignRepositoryInterface   = (*MemoryCampaigns)(nil)
	_ SubscriberRepositoryInterface = (*MemorySubscribers)(nil)
	_ SendRecordRepositoryInterface = (*MemoryRecords)(nil)
	_ TemplateRepositoryInterface   = (*MemoryTemplates)(nil)
)
