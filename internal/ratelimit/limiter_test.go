package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

func TestAcquire_SpacesCallsAtRefillRate(t *testing.T) {
	l := New(10, 1, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	// first token is free, the next two need 100ms each
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestAcquire_BurstIsImmediate(t *testing.T) {
	l := New(1, 5, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquire_TimesOut(t *testing.T) {
	l := New(0.5, 1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, appErrors.ErrRateLimitTimeout)
}

func TestAcquire_ReturnsContextError(t *testing.T) {
	l := New(0.5, 1, time.Minute)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, appErrors.ErrRateLimitTimeout)
}

func TestAcquire_ConcurrentCallersShareBucket(t *testing.T) {
	l := New(20, 2, 2*time.Second)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx))
		}()
	}
	wg.Wait()
	// 2 burst tokens, then 4 more at 50ms each
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestLimit(t *testing.T) {
	rps, burst := New(3, 0, 0).Limit()
	assert.Equal(t, 3.0, rps)
	assert.Equal(t, 1, burst)
}
