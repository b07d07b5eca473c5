// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// The worker consumes webhook events from RabbitMQ and applies them to the
// Postgres store, so webhook load never competes with the API process.
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

	if cfg.QueueDriver != "amqp" || cfg.StoreDriver != "postgres" {
		log.Fatal("Worker needs QUEUE_DRIVER=amqp and STORE_DRIVER=postgres",
			zap.String("queue", cfg.QueueDriver),
			zap.String("store", cfg.StoreDriver))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, cfg.DSN(), log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer sqlDB.Close()

	events, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue, log.Named("queue"))
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer events.Close()

	m := metrics.New()
	reconciler := &service.Reconciler{
		Records:     &repository.SendRecordRepository{DB: sqlDB, Policy: cfg.RetryPolicy()},
		Subscribers: &repository.SubscriberRepository{DB: sqlDB},
		Metrics:     m,
		Log:         log.Named("reconciler"),
		Config: service.ReconcilerConfig{
			LookupAttempts:   cfg.LookupAttempts,
			LookupBaseDelay:  cfg.LookupBaseDelay,
			OutOfOrderWindow: cfg.OutOfOrderWindow,
		},
	}

	srv := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           healthRouter(sqlDB.PingContext, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Health check server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health check server error", zap.Error(err))
		}
	}()

	log.Info("Worker running, waiting for webhook events", zap.String("queue", cfg.AMQPQueue))
	if err := reconciler.Start(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Consumer stopped", zap.Error(err))
	}

	log.Info("Shutting down worker gracefully")
	reconciler.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func healthRouter(ping func(context.Context) error, m *metrics.Metrics, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			log.Warn("Health check failed", zap.Error(err))
			handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())
	return r
}
