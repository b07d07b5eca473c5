package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/idempotency"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []model.WebhookEvent
	err    error
}

func (q *recordingQueue) Publish(_ context.Context, events ...model.WebhookEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, events...)
	return nil
}

func newGuard(t *testing.T) *idempotency.Guard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.New(client, time.Hour, true, zap.NewNop())
}

func postWebhook(h *handler.WebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.SendGridWebhook(w, req)
	return w
}

const sendGridBatch = `[
	{"email":"a@example.com","timestamp":1700000000,"event":"processed","sg_event_id":"ev0","sg_message_id":"abc.filter0001.1.0"},
	{"email":"a@example.com","timestamp":1700000010,"event":"delivered","sg_event_id":"ev1","sg_message_id":"abc.filter0001.1.0"},
	{"email":"a@example.com","timestamp":1700000020,"event":"open","sg_event_id":"ev2","sg_message_id":"abc.filter0001.1.0"},
	{"email":"b@example.com","timestamp":1700000030,"event":"spamreport","sg_event_id":"ev3","sg_message_id":"def.filter0002.1.0"}
]`

func TestSendGridWebhook_QueuesNormalizedEvents(t *testing.T) {
	q := &recordingQueue{}
	h := handler.NewWebhookHandler(q, newGuard(t), zap.NewNop())

	w := postWebhook(h, sendGridBatch)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 4, resp["received"])
	assert.Equal(t, 3, resp["queued"])
	assert.Equal(t, 1, resp["ignored"])

	require.Len(t, q.events, 3)
	assert.Equal(t, model.WebhookEvent{
		EventID:           "ev1",
		ProviderMessageID: "abc",
		Type:              model.EventDelivered,
		Timestamp:         time.Unix(1700000010, 0).UTC(),
	}, q.events[0])
	assert.Equal(t, model.EventOpened, q.events[1].Type)
	assert.Equal(t, model.EventUnsubscribed, q.events[2].Type)
	assert.Equal(t, "def", q.events[2].ProviderMessageID)
}

func TestSendGridWebhook_DropsRedeliveredEvents(t *testing.T) {
	q := &recordingQueue{}
	h := handler.NewWebhookHandler(q, newGuard(t), zap.NewNop())

	require.Equal(t, http.StatusAccepted, postWebhook(h, sendGridBatch).Code)
	w := postWebhook(h, sendGridBatch)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp["duplicate"])
	assert.Zero(t, resp["queued"])
	assert.Len(t, q.events, 3)
}

func TestSendGridWebhook_PublishFailureAllowsRedelivery(t *testing.T) {
	q := &recordingQueue{err: errors.New("broker down")}
	h := handler.NewWebhookHandler(q, newGuard(t), zap.NewNop())

	w := postWebhook(h, sendGridBatch)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// the guard forgot the ids, so the retry goes through
	q.err = nil
	w = postWebhook(h, sendGridBatch)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, q.events, 3)
}

func TestSendGridWebhook_RejectsMalformedBody(t *testing.T) {
	h := handler.NewWebhookHandler(&recordingQueue{}, nil, zap.NewNop())

	w := postWebhook(h, `{"event":"delivered"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendGridWebhook_WorksWithoutGuard(t *testing.T) {
	q := &recordingQueue{}
	h := handler.NewWebhookHandler(q, nil, zap.NewNop())

	require.Equal(t, http.StatusAccepted, postWebhook(h, sendGridBatch).Code)
	require.Equal(t, http.StatusAccepted, postWebhook(h, sendGridBatch).Code)
	assert.Len(t, q.events, 6, "the store ledger dedupes when no guard is configured")
}

func TestNormalizeSendGridEvent(t *testing.T) {
	tests := []struct {
		event string
		want  model.EventType
		ok    bool
	}{
		{"delivered", model.EventDelivered, true},
		{"open", model.EventOpened, true},
		{"click", model.EventClicked, true},
		{"bounce", model.EventBounced, true},
		{"dropped", model.EventBounced, true},
		{"unsubscribe", model.EventUnsubscribed, true},
		{"group_unsubscribe", model.EventUnsubscribed, true},
		{"spamreport", model.EventUnsubscribed, true},
		{"processed", "", false},
		{"deferred", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			ev, ok := handler.NormalizeSendGridEvent("id", "msg", tt.event, 1700000000)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, ev.Type)
		})
	}

	ev, ok := handler.NormalizeSendGridEvent("", "msg.filter1", "click", 42)
	require.True(t, ok)
	assert.Equal(t, "msg:clicked:42", ev.EventID, "missing ids are derived from the event")

	_, ok = handler.NormalizeSendGridEvent("id", "", "click", 42)
	assert.False(t, ok)
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "14c5d75ce93", handler.NormalizeMessageID("14c5d75ce93.filter-147.22649.5515E0B88.0"))
	assert.Equal(t, "plain", handler.NormalizeMessageID(" plain "))
	assert.Empty(t, handler.NormalizeMessageID(""))
}
