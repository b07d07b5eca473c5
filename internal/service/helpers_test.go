package service_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/provider"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

const welcomeTemplate = `<p>Hi {{ name }}, {{ custom_message }}</p><a href="{{ unsubscribe_url }}">unsubscribe</a>`

// fakeProvider counts calls per address. fn, when set, decides the result of
// the n-th call for an address.
type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	sent  []provider.Message
	fn    func(msg provider.Message, n int) (provider.SendResult, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{calls: map[string]int{}}
}

func (p *fakeProvider) Send(ctx context.Context, msg provider.Message) (provider.SendResult, error) {
	p.mu.Lock()
	p.calls[msg.To]++
	n := p.calls[msg.To]
	p.sent = append(p.sent, msg)
	fn := p.fn
	p.mu.Unlock()

	if fn != nil {
		return fn(msg, n)
	}
	return provider.SendResult{MessageID: messageID(msg), StatusCode: 202}, nil
}

func (p *fakeProvider) Calls(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[addr]
}

func (p *fakeProvider) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func messageID(msg provider.Message) string {
	return "msg-" + msg.Metadata[provider.ArgCampaignID] + "-" + msg.To
}

// openGate never throttles.
type openGate struct{}

func (openGate) Acquire(ctx context.Context) error { return ctx.Err() }

type fixture struct {
	mem      *repository.Memory
	provider *fakeProvider
	campaign *model.Campaign
	subs     []*model.Subscriber
}

func newFixture(t *testing.T, policy model.RetryPolicy, recipients int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := repository.NewMemory(policy)
	mem.Templates().Put("welcome", welcomeTemplate)

	f := &fixture{mem: mem, provider: newFakeProvider()}
	for i := 0; i < recipients; i++ {
		s := &model.Subscriber{
			Email:         fmt.Sprintf("user%02d@example.com", i),
			Name:          "User " + strconv.Itoa(i),
			CustomMessage: "thanks for joining",
			IsActive:      true,
		}
		require.NoError(t, mem.Subscribers().Create(ctx, s))
		f.subs = append(f.subs, s)
	}
	f.campaign = f.addCampaign(t, "Launch", model.CampaignDraft)
	return f
}

func (f *fixture) addCampaign(t *testing.T, name string, status model.CampaignStatus) *model.Campaign {
	t.Helper()
	c := &model.Campaign{Name: name, Subject: "Big news", TemplateID: "welcome", Status: status}
	require.NoError(t, f.mem.Campaigns().Create(context.Background(), c))
	return c
}

// startSending creates the records of c and marks it sending, the way the
// scheduler does before a run.
func (f *fixture) startSending(t *testing.T, c *model.Campaign) {
	t.Helper()
	ctx := context.Background()
	_, err := f.mem.Campaigns().TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}, model.CampaignSending)
	require.NoError(t, err)
	ids, err := f.mem.Subscribers().ListActiveIDs(ctx)
	require.NoError(t, err)
	_, err = f.mem.Records().CreateBatch(ctx, c.ID, ids)
	require.NoError(t, err)
}

func (f *fixture) dispatcher(cfg service.DispatchConfig, gate service.RateGate) *service.Dispatcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = time.Second
	}
	if cfg.UnsubscribeURL == "" {
		cfg.UnsubscribeURL = "https://mail.example.com/unsubscribe"
	}
	if gate == nil {
		gate = openGate{}
	}
	return &service.Dispatcher{
		Records:     f.mem.Records(),
		Subscribers: f.mem.Subscribers(),
		Renderer:    service.NewRenderer(f.mem.Templates()),
		Provider:    f.provider,
		Limiter:     gate,
		Log:         zap.NewNop(),
		Config:      cfg,
	}
}

func (f *fixture) records(c *model.Campaign) []*model.SendRecord {
	return f.mem.Records().ListByCampaign(context.Background(), c.ID)
}

func (f *fixture) campaignStatus(t *testing.T, c *model.Campaign) model.CampaignStatus {
	t.Helper()
	got, err := f.mem.Campaigns().GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	return got.Status
}
