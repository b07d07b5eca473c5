package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Console logs messages instead of sending them. Used when no SendGrid API
// key is configured.
type Console struct {
	from string
	log  *zap.Logger
}

func NewConsole(fromEmail string, log *zap.Logger) *Console {
	log.Warn("email provider in console-only mode, set SENDGRID_API_KEY to send")
	return &Console{from: fromEmail, log: log}
}

func (c *Console) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	id := uuid.NewString()
	c.log.Info("email not sent (development mode)",
		zap.String("message_id", id),
		zap.String("from", c.from),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Any("metadata", msg.Metadata),
	)
	return SendResult{MessageID: id, StatusCode: 202}, nil
}

var _ Client = (*Console)(nil)
