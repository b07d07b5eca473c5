package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Send("accepted", 0.2)
	m.Send("accepted", 0.1)
	m.Send("transient", 0)
	m.RateLimitTimeout()
	m.WebhookEvent("opened", "applied")
	m.Claimed(3)
	m.UntrackedSend()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SendsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendsTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookEvents.WithLabelValues("opened", "applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UntrackedSends))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Send("accepted", 1)
		m.RateLimitTimeout()
		m.WebhookEvent("opened", "applied")
		m.CampaignFinalized("completed")
		m.InFlight(1)
		m.Claimed(1)
		m.UntrackedSend()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CampaignFinalized("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `campaigns_finalized_total{status="completed"} 1`)
}
