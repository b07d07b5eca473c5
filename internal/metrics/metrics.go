package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Dispatch metrics
	SendsTotal        *prometheus.CounterVec
	SendDuration      prometheus.Histogram
	RateLimitTimeouts prometheus.Counter
	RecordsClaimed    prometheus.Counter
	UntrackedSends    prometheus.Counter

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Scheduler metrics
	CampaignsFinalized *prometheus.CounterVec
	CampaignsInFlight  prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sends_total",
				Help: "Send attempts by outcome",
			},
			[]string{"outcome"}, // accepted, transient, permanent, requeue
		),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_send_duration_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RateLimitTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_rate_limit_timeouts_total",
			Help: "Sends re-queued because no rate limit token was available",
		}),
		RecordsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_records_claimed_total",
			Help: "Send records claimed by dispatch workers",
		}),
		UntrackedSends: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_sends_untracked_total",
			Help: "Accepted sends without a provider message id, which webhooks cannot reach",
		}),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Provider webhook events by type and result",
			},
			[]string{"type", "result"}, // applied, duplicate, stale, deferred, unresolved, error
		),
		CampaignsFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaigns_finalized_total",
				Help: "Campaigns moved to a final status",
			},
			[]string{"status"},
		),
		CampaignsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "campaigns_in_flight",
			Help: "Campaigns currently being dispatched",
		}),
	}
}

func (m *Metrics) Send(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.SendDuration.Observe(seconds)
	}
}

func (m *Metrics) RateLimitTimeout() {
	if m == nil {
		return
	}
	m.RateLimitTimeouts.Inc()
}

func (m *Metrics) Claimed(n int) {
	if m == nil {
		return
	}
	m.RecordsClaimed.Add(float64(n))
}

func (m *Metrics) UntrackedSend() {
	if m == nil {
		return
	}
	m.UntrackedSends.Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) CampaignFinalized(status string) {
	if m == nil {
		return
	}
	m.CampaignsFinalized.WithLabelValues(status).Inc()
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.CampaignsInFlight.Add(delta)
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
