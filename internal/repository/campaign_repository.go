package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	// TransitionStatus moves the campaign to `to` only if its current status
	// is one of `from`. It reports whether the update happened.
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, subject, template_id, status, scheduled_at, sent_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.TemplateID, &c.Status, &c.ScheduledAt, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (name, subject, template_id, status, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, c.Name, c.Subject, c.TemplateID, c.Status, c.ScheduledAt, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status=$1 ORDER BY id`
	return r.list(ctx, query, status)
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `
        SELECT ` + campaignColumns + `
        FROM campaigns
        WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
        ORDER BY scheduled_at, id
    `
	return r.list(ctx, query, model.CampaignScheduled, now)
}

func (r *CampaignRepository) list(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `
        UPDATE campaigns
        SET status=$1,
            sent_at=CASE WHEN $5::boolean THEN COALESCE(sent_at, $2) ELSE sent_at END,
            updated_at=$2
        WHERE id=$3 AND status = ANY($4)
    `
	res, err := r.DB.ExecContext(ctx, query, to, time.Now().UTC(), id, pq.Array(allowed), to == model.CampaignSending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
