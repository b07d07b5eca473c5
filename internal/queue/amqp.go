package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes and consumes webhook events on a durable RabbitMQ queue.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	maxRetries int
	log        *zap.Logger

	mu sync.Mutex // guards publishing on ch
}

func NewAMQPQueue(url, name string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &AMQPQueue{conn: conn, ch: ch, name: name, maxRetries: 3, log: log}, nil
}

func (q *AMQPQueue) Publish(ctx context.Context, events ...model.WebhookEvent) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.publish(ev, 0); err != nil {
			return err
		}
	}
	return nil
}

func (q *AMQPQueue) publish(ev model.WebhookEvent, retries int) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish(
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.EventID,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

func (q *AMQPQueue) Consume(ctx context.Context, h Handler) error {
	msgs, err := q.ch.Consume(
		q.name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			q.handle(ctx, h, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	var ev model.WebhookEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		q.log.Error("invalid webhook event payload", zap.Error(err))
		_ = d.Ack(false)
		return
	}

	if err := h(ctx, ev); err != nil {
		retries := retryCount(d.Headers)
		if retries < q.maxRetries {
			// re-publish with a bumped counter; a plain requeue would loop forever
			if perr := q.publish(ev, retries+1); perr == nil {
				_ = d.Ack(false)
				return
			}
			_ = d.Nack(false, true)
			return
		}
		q.log.Error("webhook event permanently failed",
			zap.String("event_id", ev.EventID), zap.Int("attempts", retries+1), zap.Error(err))
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

var _ EventQueue = (*AMQPQueue)(nil)
