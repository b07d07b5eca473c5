// cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/idempotency"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/provider"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/ratelimit"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

type stores struct {
	campaigns   repository.CampaignRepositoryInterface
	subscribers repository.SubscriberRepositoryInterface
	records     repository.SendRecordRepositoryInterface
	templates   repository.TemplateRepositoryInterface
	sqlDB       *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting campaign mailer",
		zap.String("environment", cfg.Environment),
		zap.String("store", cfg.StoreDriver),
		zap.String("queue", cfg.QueueDriver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open stores", zap.Error(err))
	}
	if st.sqlDB != nil {
		defer st.sqlDB.Close()
	}

	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimit, cfg.RateBurst(), cfg.RateLimitWaitTimeout)
	renderer := service.NewRenderer(st.templates)

	var sender provider.Client
	if cfg.SendGridAPIKey != "" {
		sender = provider.NewSendGrid(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName, log)
	} else {
		sender = provider.NewConsole(cfg.FromEmail, log)
	}

	redisClient, guard := openGuard(ctx, cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	events, err := openQueue(cfg, log)
	if err != nil {
		log.Fatal("Failed to open webhook queue", zap.Error(err))
	}
	defer events.Close()

	dispatchCfg := service.DispatchConfig{
		BatchSize:       cfg.BatchSize,
		Workers:         cfg.DispatchWorkers,
		ProviderTimeout: cfg.ProviderTimeout,
		FromName:        cfg.FromName,
		UnsubscribeURL:  cfg.UnsubscribeURL,
	}
	dispatcher := &service.Dispatcher{
		Records:     st.records,
		Subscribers: st.subscribers,
		Renderer:    renderer,
		Provider:    sender,
		Limiter:     limiter,
		Metrics:     m,
		Log:         log.Named("dispatcher"),
		Config:      dispatchCfg,
	}
	scheduler := &service.Scheduler{
		Campaigns:   st.campaigns,
		Subscribers: st.subscribers,
		Records:     st.records,
		Runner:      dispatcher,
		Metrics:     m,
		Log:         log.Named("scheduler"),
		Config: service.SchedulerConfig{
			Tick:             cfg.SchedulerTick,
			CleanupSpec:      cfg.WebhookCleanupCron,
			WebhookRetention: cfg.WebhookRetention,
			ClaimLease:       cfg.ClaimLease,
		},
	}
	reconciler := &service.Reconciler{
		Records:     st.records,
		Subscribers: st.subscribers,
		Metrics:     m,
		Log:         log.Named("reconciler"),
		Config: service.ReconcilerConfig{
			LookupAttempts:   cfg.LookupAttempts,
			LookupBaseDelay:  cfg.LookupBaseDelay,
			OutOfOrderWindow: cfg.OutOfOrderWindow,
		},
	}

	if cfg.SchedulerEnabled {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
	}

	// with RabbitMQ the reconciler runs in cmd/worker
	if cfg.QueueDriver == "memory" {
		go func() {
			if err := reconciler.Start(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Reconciler stopped", zap.Error(err))
			}
		}()
	}

	campaignService := &service.CampaignService{
		Campaigns: st.campaigns,
		Records:   st.records,
		Starter:   scheduler,
		Renderer:  renderer,
		Provider:  sender,
		Limiter:   limiter,
		Log:       log.Named("campaigns"),
		Config:    dispatchCfg,
	}
	campaignController := &controller.CampaignController{
		CampaignService: campaignService,
		Log:             log,
	}
	campaignHandler := handler.NewCampaignHandler(campaignService, log)
	webhookHandler := handler.NewWebhookHandler(events, guard, log.Named("webhook"))
	unsubscribeHandler := handler.NewUnsubscribeHandler(&service.UnsubscribeService{
		Subscribers: st.subscribers,
		Records:     st.records,
		Log:         log.Named("unsubscribe"),
	}, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if st.sqlDB != nil {
			if err := st.sqlDB.PingContext(r.Context()); err != nil {
				log.Warn("Health check failed", zap.Error(err))
				handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())

	r.Post("/campaigns/{id}/send", campaignController.SendCampaign)
	r.Post("/campaigns/{id}/test", campaignController.SendTestEmail)
	r.Get("/campaigns/{id}/stats", campaignHandler.GetCampaignHandlerWithStats)
	r.Post("/webhooks/sendgrid", webhookHandler.SendGridWebhook)
	r.Get("/unsubscribe", unsubscribeHandler.Unsubscribe)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	reconciler.Wait()
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("Using in-memory store, data is lost on restart")
		mem := repository.NewMemory(cfg.RetryPolicy())
		return &stores{
			campaigns:   mem.Campaigns(),
			subscribers: mem.Subscribers(),
			records:     mem.Records(),
			templates:   mem.Templates(),
		}, nil
	}

	sqlDB, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &stores{
		campaigns:   &repository.CampaignRepository{DB: sqlDB},
		subscribers: &repository.SubscriberRepository{DB: sqlDB},
		records:     &repository.SendRecordRepository{DB: sqlDB, Policy: cfg.RetryPolicy()},
		templates:   &repository.TemplateRepository{DB: sqlDB},
		sqlDB:       sqlDB,
	}, nil
}

// openGuard connects the Redis pre-filter. Without Redis the store's
// applied-event ledger still dedupes, so a connection failure only stops
// startup when fail-open is off.
func openGuard(ctx context.Context, cfg *config.Config, log *zap.Logger) (*redis.Client, *idempotency.Guard) {
	if !cfg.IdempotencyEnabled || cfg.RedisURL == "" {
		return nil, nil
	}
	client, err := idempotency.Connect(ctx, cfg.RedisURL)
	if err != nil {
		if !cfg.IdempotencyFailOpen {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		log.Warn("Redis unavailable, webhook idempotency guard disabled", zap.Error(err))
		return nil, nil
	}
	return client, idempotency.New(client, cfg.IdempotencyTTL, cfg.IdempotencyFailOpen, log.Named("idempotency"))
}

func openQueue(cfg *config.Config, log *zap.Logger) (queue.EventQueue, error) {
	if cfg.QueueDriver == "amqp" {
		return queue.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue, log.Named("queue"))
	}
	return queue.NewInMemoryQueue(cfg.QueueBuffer, log.Named("queue")), nil
}
