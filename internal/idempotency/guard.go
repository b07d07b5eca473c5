package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "webhook:event:"

// Guard drops webhook events whose id was already seen within the TTL. It is
// a pre-filter only; the store's applied-event ledger stays authoritative. A
// nil *Guard lets everything through.
type Guard struct {
	redis    *redis.Client
	ttl      time.Duration
	failOpen bool
	log      *zap.Logger
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	return client, nil
}

func New(client *redis.Client, ttl time.Duration, failOpen bool, log *zap.Logger) *Guard {
	return &Guard{redis: client, ttl: ttl, failOpen: failOpen, log: log}
}

// FirstSeen marks eventID as seen and reports whether it was new. With
// fail-open set, Redis errors count as new.
func (g *Guard) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	if g == nil || eventID == "" {
		return true, nil
	}
	ok, err := g.redis.SetNX(ctx, keyPrefix+eventID, 1, g.ttl).Result()
	if err != nil {
		if g.failOpen {
			g.log.Warn("idempotency check failed, letting event through",
				zap.String("event_id", eventID), zap.Error(err))
			return true, nil
		}
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return ok, nil
}

// Forget clears eventID so a provider retry is accepted again.
func (g *Guard) Forget(ctx context.Context, eventID string) {
	if g == nil || eventID == "" {
		return
	}
	if err := g.redis.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		g.log.Warn("failed to clear idempotency key", zap.String("event_id", eventID), zap.Error(err))
	}
}
