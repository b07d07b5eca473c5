package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SubscriberRepositoryInterface defines methods used by the engine
type SubscriberRepositoryInterface interface {
	Create(ctx context.Context, s *model.Subscriber) error
	GetByID(ctx context.Context, id int) (*model.Subscriber, error)
	// ListActiveIDs returns subscribers still opted in, in id order.
	ListActiveIDs(ctx context.Context) ([]int, error)
	// Deactivate clears the global opt-in flag.
	Deactivate(ctx context.Context, id int) error
	// DeactivateByToken opts out the subscriber owning an unsubscribe token.
	DeactivateByToken(ctx context.Context, token string) (*model.Subscriber, error)
}

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sql.DB
}

// prepareSubscriber normalizes the address and assigns an unsubscribe token.
func prepareSubscriber(s *model.Subscriber) {
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	if s.UnsubscribeToken == "" {
		s.UnsubscribeToken = uuid.NewString()
	}
}

func (r *SubscriberRepository) Create(ctx context.Context, s *model.Subscriber) error {
	prepareSubscriber(s)
	query := `
        INSERT INTO subscribers (email, name, custom_message, is_active, unsubscribe_token)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, s.Email, s.Name, s.CustomMessage, s.IsActive, s.UnsubscribeToken).Scan(&s.ID)
}

// GetByID fetches a subscriber by ID
func (r *SubscriberRepository) GetByID(ctx context.Context, id int) (*model.Subscriber, error) {
	query := `
        SELECT id, email, name, custom_message, is_active, unsubscribe_token
        FROM subscribers
        WHERE id = $1
    `
	var s model.Subscriber
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Email, &s.Name, &s.CustomMessage, &s.IsActive, &s.UnsubscribeToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewSubscriberNotFound(id)
		}
		return nil, err
	}
	return &s, nil
}

func (r *SubscriberRepository) ListActiveIDs(ctx context.Context) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM subscribers WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SubscriberRepository) Deactivate(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE subscribers SET is_active=FALSE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewSubscriberNotFound(id)
	}
	return nil
}

func (r *SubscriberRepository) DeactivateByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	query := `
        UPDATE subscribers SET is_active=FALSE, updated_at=NOW()
        WHERE unsubscribe_token = $1
        RETURNING id, email, name, custom_message, is_active, unsubscribe_token
    `
	var s model.Subscriber
	err := r.DB.QueryRowContext(ctx, query, token).Scan(&s.ID, &s.Email, &s.Name, &s.CustomMessage, &s.IsActive, &s.UnsubscribeToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &appErrors.NotFoundError{Entity: "subscriber", Key: "unsubscribe token"}
		}
		return nil, err
	}
	return &s, nil
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
