// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/provider"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// RateGate hands out send permits. *ratelimit.Limiter implements it.
type RateGate interface {
	Acquire(ctx context.Context) error
}

type DispatchConfig struct {
	BatchSize       int
	Workers         int
	ProviderTimeout time.Duration
	FromName        string
	UnsubscribeURL  string
}

// RunResult summarizes one dispatch run. The dispatcher never decides the
// campaign's final status; the scheduler does that from these numbers.
type RunResult struct {
	Stats        model.CampaignStats
	Processed    int
	RetryPending bool
}

// Drained reports whether no record is waiting to be sent.
func (r RunResult) Drained() bool {
	return r.Stats.Pending() == 0
}

type Dispatcher struct {
	Records     repository.SendRecordRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Renderer    TemplateRenderer
	Provider    provider.Client
	Limiter     RateGate
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Config      DispatchConfig
}

// Run sends every claimable record of the campaign using a fixed pool of
// workers. Per-recipient failures are written to the record; only store
// errors and cancellation end the run early.
func (d *Dispatcher) Run(ctx context.Context, c *model.Campaign) (RunResult, error) {
	workers := d.Config.Workers
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		errOnce   sync.Once
		runErr    error
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := d.work(runCtx, c)
			mu.Lock()
			processed += n
			mu.Unlock()
			if err != nil {
				errOnce.Do(func() {
					runErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	result := RunResult{Processed: processed}
	if runErr != nil {
		return result, runErr
	}

	stats, err := d.Records.Stats(ctx, c.ID)
	if err != nil {
		return result, fmt.Errorf("campaign %d stats: %w", c.ID, err)
	}
	result.Stats = stats
	result.RetryPending = stats.RetryEligible > 0

	d.Log.Info("dispatch run finished",
		zap.Int("campaign_id", c.ID),
		zap.Int("processed", processed),
		zap.Int("sent", stats.Sent()),
		zap.Int("failed", stats.Failed()),
		zap.Int("retry_eligible", stats.RetryEligible),
	)
	return result, nil
}

// work claims batches until none are left.
func (d *Dispatcher) work(ctx context.Context, c *model.Campaign) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		batch, err := d.Records.ClaimPendingBatch(ctx, c.ID, d.Config.BatchSize)
		if err != nil {
			return processed, fmt.Errorf("claim batch for campaign %d: %w", c.ID, err)
		}
		if len(batch) == 0 {
			return processed, nil
		}
		d.Metrics.Claimed(len(batch))

		for i, rec := range batch {
			if err := d.process(ctx, c, rec); err != nil {
				d.release(ctx, batch[i+1:])
				return processed, err
			}
			processed++
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, c *model.Campaign, rec *model.SendRecord) error {
	if err := d.Limiter.Acquire(ctx); err != nil {
		if errors.Is(err, appErrors.ErrRateLimitTimeout) {
			d.Metrics.RateLimitTimeout()
			d.Log.Debug("rate limit wait timed out, re-queueing", zap.Int("record_id", rec.ID))
			return d.record(ctx, rec, model.Outcome{Kind: model.OutcomeRequeue})
		}
		d.release(ctx, []*model.SendRecord{rec})
		return err
	}

	msg, err := d.buildMessage(ctx, c, rec)
	if err != nil {
		if !errors.Is(err, appErrors.ErrRender) {
			d.release(ctx, []*model.SendRecord{rec})
			return err
		}
		d.Log.Warn("render failed", zap.Int("record_id", rec.ID), zap.Error(err))
		return d.record(ctx, rec, model.Outcome{Kind: model.OutcomePermanent, Error: err.Error()})
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Config.ProviderTimeout)
	start := time.Now()
	res, sendErr := d.Provider.Send(callCtx, msg)
	elapsed := time.Since(start)
	cancel()

	if sendErr != nil && ctx.Err() != nil {
		// shutdown, not the provider's fault
		d.release(ctx, []*model.SendRecord{rec})
		return ctx.Err()
	}

	outcome := classifySend(res, sendErr)
	d.Metrics.Send(string(outcome.Kind), elapsed.Seconds())
	if sendErr != nil {
		d.Log.Warn("send failed",
			zap.Int("record_id", rec.ID),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(sendErr))
	}

	if err := d.record(ctx, rec, outcome); err != nil {
		return err
	}
	if outcome.Kind == model.OutcomeAccepted {
		if outcome.ProviderMessageID == "" {
			// resending would duplicate a delivered email, so the record
			// stays accepted and only its webhook events are lost
			d.Metrics.UntrackedSend()
			d.Log.Warn("provider accepted send without a message id",
				zap.Int("record_id", rec.ID),
				zap.Int("status_code", res.StatusCode))
		}
		return d.checkOptOut(ctx, rec)
	}
	return nil
}

// classifySend maps a provider call result onto a record outcome.
func classifySend(res provider.SendResult, err error) model.Outcome {
	var o model.Outcome
	switch {
	case err == nil:
		o.Kind = model.OutcomeAccepted
		o.ProviderMessageID = res.MessageID
	case errors.Is(err, appErrors.ErrPermanentProvider):
		o.Kind = model.OutcomePermanent
		o.Error = err.Error()
	default:
		o.Kind = model.OutcomeTransient
		o.Error = err.Error()
	}
	return o
}

// record writes an outcome. A stale transition means another actor moved the
// record (e.g. lease recovery) and is logged, not fatal.
func (d *Dispatcher) record(ctx context.Context, rec *model.SendRecord, o model.Outcome) error {
	_, err := d.Records.RecordOutcome(context.WithoutCancel(ctx), rec.ID, o)
	if err == nil {
		return nil
	}
	if errors.Is(err, appErrors.ErrStaleTransition) {
		d.Log.Warn("outcome no longer applies", zap.Int("record_id", rec.ID), zap.Error(err))
		return nil
	}
	return fmt.Errorf("record outcome for %d: %w", rec.ID, err)
}

// release puts claimed but unsent records back to pending.
func (d *Dispatcher) release(ctx context.Context, recs []*model.SendRecord) {
	for _, rec := range recs {
		if err := d.record(ctx, rec, model.Outcome{Kind: model.OutcomeRequeue}); err != nil {
			d.Log.Error("failed to release record", zap.Int("record_id", rec.ID), zap.Error(err))
		}
	}
}

// checkOptOut catches an unsubscribe that landed while the send was in flight.
func (d *Dispatcher) checkOptOut(ctx context.Context, rec *model.SendRecord) error {
	sub, err := d.Subscribers.GetByID(ctx, rec.SubscriberID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("subscriber %d: %w", rec.SubscriberID, err)
	}
	if sub.IsActive {
		return nil
	}
	if _, err := d.Records.UnsubscribeSubscriber(ctx, sub.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("unsubscribe subscriber %d: %w", sub.ID, err)
	}
	d.Log.Info("subscriber opted out during send", zap.Int("record_id", rec.ID), zap.Int("subscriber_id", sub.ID))
	return nil
}

func (d *Dispatcher) buildMessage(ctx context.Context, c *model.Campaign, rec *model.SendRecord) (provider.Message, error) {
	vars := TemplateVars(c, rec.Destination, rec.Personalization, d.Config.FromName, d.Config.UnsubscribeURL)
	html, err := d.Renderer.Render(ctx, c.TemplateID, vars)
	if err != nil {
		return provider.Message{}, err
	}
	return provider.Message{
		To:      rec.Destination,
		ToName:  vars[VarName],
		Subject: c.Subject,
		HTML:    html,
		Metadata: map[string]string{
			provider.ArgCampaignID:   strconv.Itoa(c.ID),
			provider.ArgSubscriberID: strconv.Itoa(rec.SubscriberID),
			provider.ArgRecordID:     strconv.Itoa(rec.ID),
		},
	}, nil
}

// TemplateVars builds the variables for one recipient. The name falls back to
// the local part of the address.
func TemplateVars(c *model.Campaign, email string, fields map[string]string, fromName, unsubscribeURL string) map[string]string {
	name := fields[model.FieldName]
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	unsubscribe := unsubscribeURL
	if token := fields[model.FieldUnsubscribeToken]; token != "" {
		unsubscribe += "?token=" + token
	}
	return map[string]string{
		VarName:           name,
		VarEmail:          email,
		VarSubject:        c.Subject,
		VarCustomMessage:  fields[model.FieldCustomMessage],
		VarFromName:       fromName,
		VarUnsubscribeURL: unsubscribe,
		VarCampaignName:   c.Name,
	}
}
