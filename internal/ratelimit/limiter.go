package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

// Limiter gates outbound sends for the whole process. It is a token bucket
// refilled at perSecond tokens per second.
type Limiter struct {
	limiter     *rate.Limiter
	waitTimeout time.Duration
}

// New creates a limiter. A zero waitTimeout waits as long as ctx allows.
func New(perSecond float64, burst int, waitTimeout time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		waitTimeout: waitTimeout,
	}
}

// Acquire blocks until a token is available. It returns ErrRateLimitTimeout
// when no token frees up within the wait timeout, and ctx.Err() when the
// caller's context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if l.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.waitTimeout)
		defer cancel()
	}

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", appErrors.ErrRateLimitTimeout, err)
	}
	return nil
}

// Limit returns the configured refill rate and burst.
func (l *Limiter) Limit() (float64, int) {
	return float64(l.limiter.Limit()), l.limiter.Burst()
}
