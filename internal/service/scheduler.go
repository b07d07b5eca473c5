// internal/service/scheduler.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// CampaignRunner dispatches one campaign. *Dispatcher implements it.
type CampaignRunner interface {
	Run(ctx context.Context, c *model.Campaign) (RunResult, error)
}

type SchedulerConfig struct {
	Tick             string
	CleanupSpec      string
	WebhookRetention time.Duration
	ClaimLease       time.Duration
}

// Scheduler starts due campaigns, keeps sending ones moving and decides their
// final status. It is the only writer of campaign status.
type Scheduler struct {
	Campaigns   repository.CampaignRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Records     repository.SendRecordRepositoryInterface
	Runner      CampaignRunner
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Config      SchedulerConfig
	Now         func() time.Time

	cron    *cron.Cron
	baseCtx context.Context

	mu       sync.Mutex
	inFlight map[int]bool
	runs     sync.WaitGroup
}

// Start registers the tick and cleanup jobs and starts the cron runner. Jobs
// use ctx, so cancelling it aborts in-progress runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx
	logger := cronLogger{s.Log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := s.cron.AddFunc(s.Config.Tick, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler tick %q: %w", s.Config.Tick, err)
	}
	if _, err := s.cron.AddFunc(s.Config.CleanupSpec, func() {
		if _, err := s.PurgeWebhookEvents(ctx); err != nil {
			s.Log.Error("webhook event cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("webhook cleanup %q: %w", s.Config.CleanupSpec, err)
	}

	s.Log.Info("starting scheduler",
		zap.String("tick", s.Config.Tick),
		zap.String("cleanup", s.Config.CleanupSpec))
	s.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for running jobs and manual runs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.runs.Wait()
}

// Tick starts due campaigns, then sweeps the ones already sending.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.StartDue(ctx); err != nil {
		s.Log.Error("start due campaigns failed", zap.Error(err))
	}
	if err := s.Sweep(ctx); err != nil {
		s.Log.Error("sweep sending campaigns failed", zap.Error(err))
	}
}

// StartDue moves every due scheduled campaign to sending and dispatches it.
func (s *Scheduler) StartDue(ctx context.Context) error {
	due, err := s.Campaigns.ListDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.acquire(c.ID) {
			continue
		}
		started, err := s.begin(ctx, c, model.CampaignScheduled)
		if err != nil {
			s.Log.Error("failed to start campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
		} else if started {
			s.runAndFinalize(ctx, c)
		}
		s.release(c.ID)
	}
	return nil
}

// Sweep re-drives every sending campaign: it recovers expired claims,
// re-queues retry-eligible failures, dispatches and finalizes.
func (s *Scheduler) Sweep(ctx context.Context) error {
	sending, err := s.Campaigns.ListByStatus(ctx, model.CampaignSending)
	if err != nil {
		return fmt.Errorf("list sending campaigns: %w", err)
	}
	for _, c := range sending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.acquire(c.ID) {
			continue
		}
		s.sweepOne(ctx, c)
		s.release(c.ID)
	}
	return nil
}

func (s *Scheduler) sweepOne(ctx context.Context, c *model.Campaign) {
	log := s.Log.With(zap.Int("campaign_id", c.ID))
	if s.Config.ClaimLease > 0 {
		n, err := s.Records.RecoverStaleClaims(ctx, c.ID, s.now().Add(-s.Config.ClaimLease))
		if err != nil {
			log.Error("recover stale claims failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Warn("recovered expired claims", zap.Int("records", n))
		}
	}
	// a start interrupted between the status flip and record creation
	// leaves a sending campaign without records
	stats, err := s.Records.Stats(ctx, c.ID)
	if err != nil {
		log.Error("load campaign stats failed", zap.Error(err))
		return
	}
	if stats.Total == 0 {
		n, err := s.createRecords(ctx, c)
		if err != nil {
			log.Error("repair send records failed", zap.Error(err))
			return
		}
		log.Warn("created missing send records", zap.Int("records", n))
	}
	if n, err := s.Records.RequeueRetryable(ctx, c.ID); err != nil {
		log.Error("requeue retryable failed", zap.Error(err))
		return
	} else if n > 0 {
		log.Info("re-queued failed records for retry", zap.Int("records", n))
	}
	s.runAndFinalize(ctx, c)
}

// StartNow is the manual trigger. It accepts draft and scheduled campaigns
// and dispatches in the background.
func (s *Scheduler) StartNow(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// held from the status flip until the run ends, so a sweep never sees
	// the campaign before its records exist
	if !s.acquire(id) {
		return nil, fmt.Errorf("%w: campaign %d is already being dispatched", appErrors.ErrInvalidState, id)
	}
	started, err := s.begin(ctx, c, model.CampaignDraft, model.CampaignScheduled)
	if err != nil || !started {
		s.release(id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidState, id, c.Status)
	}

	// the run outlives the request that triggered it
	runCtx := s.baseCtx
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	c.Status = model.CampaignSending
	run := *c
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release(id)
		s.runAndFinalize(runCtx, &run)
	}()
	return c, nil
}

// begin flips the campaign to sending and creates one record per active
// subscriber. It reports false when the campaign was not in an allowed state.
func (s *Scheduler) begin(ctx context.Context, c *model.Campaign, from ...model.CampaignStatus) (bool, error) {
	ok, err := s.Campaigns.TransitionStatus(ctx, c.ID, from, model.CampaignSending)
	if err != nil || !ok {
		return false, err
	}

	created, err := s.createRecords(ctx, c)
	if err != nil {
		// put the campaign back so the next attempt creates the rest
		if _, rerr := s.Campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignSending}, c.Status); rerr != nil {
			s.Log.Error("failed to revert campaign status", zap.Int("campaign_id", c.ID), zap.Error(rerr))
		}
		return false, err
	}
	s.Log.Info("campaign started",
		zap.Int("campaign_id", c.ID),
		zap.String("name", c.Name),
		zap.Int("recipients", created))
	return true, nil
}

func (s *Scheduler) createRecords(ctx context.Context, c *model.Campaign) (int, error) {
	ids, err := s.Subscribers.ListActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active subscribers: %w", err)
	}
	created, err := s.Records.CreateBatch(ctx, c.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("create send records: %w", err)
	}
	return created, nil
}

func (s *Scheduler) runAndFinalize(ctx context.Context, c *model.Campaign) {
	res, err := s.Runner.Run(ctx, c)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.Log.Error("dispatch run failed", zap.Int("campaign_id", c.ID), zap.Error(err))
		}
		return
	}
	s.finalize(ctx, c, res)
}

// finalize picks the campaign's final status from a completed run. A campaign
// with pending or retry-eligible records stays sending.
func (s *Scheduler) finalize(ctx context.Context, c *model.Campaign, res RunResult) {
	status, done := FinalStatus(res)
	if !done {
		return
	}
	ok, err := s.Campaigns.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignSending}, status)
	if err != nil {
		s.Log.Error("failed to finalize campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
		return
	}
	if ok {
		s.Metrics.CampaignFinalized(string(status))
		s.Log.Info("campaign finished",
			zap.Int("campaign_id", c.ID),
			zap.String("status", string(status)),
			zap.Int("sent", res.Stats.Sent()),
			zap.Int("failed", res.Stats.Failed()))
	}
}

// FinalStatus returns the status a campaign should end in, or false when it
// still has work left.
func FinalStatus(res RunResult) (model.CampaignStatus, bool) {
	if !res.Drained() || res.RetryPending {
		return "", false
	}
	st := res.Stats
	if st.Total > 0 && st.PermanentlyFailed() == st.Total {
		return model.CampaignFailed, true
	}
	return model.CampaignCompleted, true
}

// PurgeWebhookEvents drops applied event ids older than the retention window.
func (s *Scheduler) PurgeWebhookEvents(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.Config.WebhookRetention)
	n, err := s.Records.PurgeAppliedEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.Log.Info("purged applied webhook events", zap.Int("deleted", n), zap.Time("before", cutoff))
	return n, nil
}

// acquire marks a campaign as being dispatched by this process.
func (s *Scheduler) acquire(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[int]bool{}
	}
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	s.Metrics.InFlight(1)
	return true
}

func (s *Scheduler) release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	s.Metrics.InFlight(-1)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
