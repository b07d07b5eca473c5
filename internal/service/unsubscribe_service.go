// internal/service/unsubscribe_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// UnsubscribeService serves the unsubscribe link carried by every email.
type UnsubscribeService struct {
	Subscribers repository.SubscriberRepositoryInterface
	Records     repository.SendRecordRepositoryInterface
	Log         *zap.Logger
	Now         func() time.Time
}

// Unsubscribe deactivates the subscriber owning token and moves their engaged
// records in every campaign to unsubscribed.
func (s *UnsubscribeService) Unsubscribe(ctx context.Context, token string) (*model.Subscriber, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing unsubscribe token", appErrors.ErrInvalidInput)
	}
	sub, err := s.Subscribers.DeactivateByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	if s.Now != nil {
		at = s.Now()
	}
	n, err := s.Records.UnsubscribeSubscriber(ctx, sub.ID, at)
	if err != nil {
		return nil, fmt.Errorf("unsubscribe subscriber %d: %w", sub.ID, err)
	}
	s.Log.Info("subscriber unsubscribed via link",
		zap.Int("subscriber_id", sub.ID),
		zap.Int("records_updated", n))
	return sub, nil
}
