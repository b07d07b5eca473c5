package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one webhook event. A returned error makes the queue
// retry the event.
type Handler func(ctx context.Context, ev model.WebhookEvent) error

// EventQueue carries normalized webhook events from ingress to the
// reconciler.
type EventQueue interface {
	Publish(ctx context.Context, events ...model.WebhookEvent) error
	// Consume blocks, feeding events to h until ctx ends or the queue closes.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// job wraps an event with its retry count
type job struct {
	Event      model.WebhookEvent
	RetryCount int
}

// InMemoryQueue is a buffered channel queue with bounded retry.
type InMemoryQueue struct {
	jobs       chan job
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewInMemoryQueue(buffer int, log *zap.Logger) *InMemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &InMemoryQueue{
		jobs:       make(chan job, buffer),
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
		log:        log,
		done:       make(chan struct{}),
	}
}

// SetRetry overrides the retry budget and the base delay between retries.
func (q *InMemoryQueue) SetRetry(maxRetries int, delay time.Duration) {
	q.maxRetries = maxRetries
	q.retryDelay = delay
}

func (q *InMemoryQueue) Publish(ctx context.Context, events ...model.WebhookEvent) error {
	for _, ev := range events {
		select {
		case <-q.done:
			return ErrClosed
		default:
		}
		select {
		case q.jobs <- job{Event: ev}:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *InMemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case j := <-q.jobs:
			q.process(ctx, h, j)
		}
	}
}

// process handles retries and errors
func (q *InMemoryQueue) process(ctx context.Context, h Handler, j job) {
	for {
		err := h(ctx, j.Event)
		if err == nil {
			return
		}

		j.RetryCount++
		if j.RetryCount > q.maxRetries || ctx.Err() != nil {
			q.log.Error("webhook event permanently failed",
				zap.String("event_id", j.Event.EventID),
				zap.Int("attempts", j.RetryCount),
				zap.Error(err))
			return
		}
		q.log.Warn("webhook event failed, retrying",
			zap.String("event_id", j.Event.EventID),
			zap.Int("attempt", j.RetryCount),
			zap.Error(err))

		select {
		case <-time.After(time.Duration(j.RetryCount) * q.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Close stops consumers. Events still buffered are dropped.
func (q *InMemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// Len reports the number of buffered events.
func (q *InMemoryQueue) Len() int {
	return len(q.jobs)
}

var _ EventQueue = (*InMemoryQueue)(nil)
