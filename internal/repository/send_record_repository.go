package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SendRecordRepositoryInterface is the recipient store shared by the
// dispatcher and the reconciler.
type SendRecordRepositoryInterface interface {
	// CreateBatch inserts one pending record per active subscriber id and
	// skips pairs that already exist.
	CreateBatch(ctx context.Context, campaignID int, subscriberIDs []int) (int, error)
	// ClaimPendingBatch atomically moves up to limit claimable records to
	// sending and returns them in id order.
	ClaimPendingBatch(ctx context.Context, campaignID, limit int) ([]*model.SendRecord, error)
	RecordOutcome(ctx context.Context, recordID int, outcome model.Outcome) (*model.SendRecord, error)
	UpdateByProviderMessageID(ctx context.Context, ev model.WebhookEvent) (model.Transition, error)
	UnsubscribeSubscriber(ctx context.Context, subscriberID int, at time.Time) (int, error)
	RequeueRetryable(ctx context.Context, campaignID int) (int, error)
	RecoverStaleClaims(ctx context.Context, campaignID int, claimedBefore time.Time) (int, error)
	GetByID(ctx context.Context, id int) (*model.SendRecord, error)
	Stats(ctx context.Context, campaignID int) (model.CampaignStats, error)
	PurgeAppliedEvents(ctx context.Context, appliedBefore time.Time) (int, error)
}

type SendRecordRepository struct {
	DB     *sql.DB
	Policy model.RetryPolicy
}

var recordColumnNames = []string{
	"id", "campaign_id", "subscriber_id", "destination", "personalization", "status",
	"attempt_count", "last_attempt_at", "last_error", "provider_message_id", "claimed_at",
	"delivered_at", "opened_at", "clicked_at", "bounced_at", "unsubscribed_at", "created_at", "updated_at",
}

var recordColumns = strings.Join(recordColumnNames, ", ")

func scanRecord(row interface{ Scan(...any) error }) (*model.SendRecord, error) {
	var (
		rec       model.SendRecord
		personal  []byte
		messageID sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.SubscriberID, &rec.Destination, &personal, &rec.Status,
		&rec.AttemptCount, &rec.LastAttemptAt, &rec.LastError, &messageID, &rec.ClaimedAt,
		&rec.DeliveredAt, &rec.OpenedAt, &rec.ClickedAt, &rec.BouncedAt, &rec.UnsubscribedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ProviderMessageID = messageID.String
	if len(personal) > 0 {
		if err := json.Unmarshal(personal, &rec.Personalization); err != nil {
			return nil, fmt.Errorf("decode personalization for record %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (r *SendRecordRepository) CreateBatch(ctx context.Context, campaignID int, subscriberIDs []int) (int, error) {
	if len(subscriberIDs) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(subscriberIDs))
	for i, id := range subscriberIDs {
		ids[i] = int64(id)
	}
	query := `
        INSERT INTO send_records (campaign_id, subscriber_id, destination, personalization, status)
        SELECT $1, s.id, s.email,
               jsonb_build_object('name', s.name, 'custom_message', s.custom_message, 'unsubscribe_token', s.unsubscribe_token),
               'pending'
        FROM subscribers s
        WHERE s.id = ANY($2) AND s.is_active
        ORDER BY s.id
        ON CONFLICT (campaign_id, subscriber_id) DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SendRecordRepository) ClaimPendingBatch(ctx context.Context, campaignID, limit int) ([]*model.SendRecord, error) {
	maxDelay := r.Policy.MaxDelay.Seconds()
	if maxDelay <= 0 {
		maxDelay = (365 * 24 * time.Hour).Seconds()
	}
	// Only rows still claimable at update time are touched; SKIP LOCKED keeps
	// concurrent claimers from ever selecting the same row.
	query := `
        WITH claimable AS (
            SELECT id FROM send_records
            WHERE campaign_id = $1
              AND (status = 'pending'
                   OR (status = 'failed'
                       AND attempt_count < $3
                       AND (last_attempt_at IS NULL
                            OR last_attempt_at <= NOW() - make_interval(secs => LEAST($4 * power(2, GREATEST(attempt_count - 1, 0)), $5)))))
            ORDER BY id
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        UPDATE send_records r
        SET status = 'sending', claimed_at = NOW(), updated_at = NOW()
        FROM claimable
        WHERE r.id = claimable.id
        RETURNING ` + prefixed("r")
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit, r.Policy.MaxAttempts, r.Policy.BaseDelay.Seconds(), maxDelay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*model.SendRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (r *SendRecordRepository) RecordOutcome(ctx context.Context, recordID int, outcome model.Outcome) (*model.SendRecord, error) {
	var out *model.SendRecord
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM send_records WHERE id=$1 FOR UPDATE`, recordID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.NewRecordNotFound(recordID)
			}
			return err
		}
		if err := applyOutcome(rec, outcome, r.Policy); err != nil {
			return err
		}
		if err := r.save(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (r *SendRecordRepository) UpdateByProviderMessageID(ctx context.Context, ev model.WebhookEvent) (model.Transition, error) {
	var tr model.Transition
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM send_records WHERE provider_message_id=$1 FOR UPDATE`, ev.ProviderMessageID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.NewRecordNotFound(ev.ProviderMessageID)
			}
			return err
		}

		var seen bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM applied_webhook_events WHERE event_id=$1)`, ev.EventID).Scan(&seen); err != nil {
			return err
		}
		if seen {
			tr = model.Transition{
				RecordID: rec.ID, CampaignID: rec.CampaignID, SubscriberID: rec.SubscriberID,
				From: rec.Status, To: rec.Status, Duplicate: true,
			}
			return nil
		}

		tr, err = applyWebhook(rec, ev)
		if err != nil {
			return err
		}
		if err := r.save(ctx, tx, rec); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO applied_webhook_events (event_id, record_id, event_type) VALUES ($1, $2, $3)`,
			ev.EventID, rec.ID, ev.Type)
		return err
	})
	return tr, err
}

func (r *SendRecordRepository) UnsubscribeSubscriber(ctx context.Context, subscriberID int, at time.Time) (int, error) {
	query := `
        UPDATE send_records
        SET status='unsubscribed', unsubscribed_at=COALESCE(unsubscribed_at, $2), updated_at=NOW()
        WHERE subscriber_id=$1 AND status IN ('accepted', 'delivered', 'opened', 'clicked')
    `
	res, err := r.DB.ExecContext(ctx, query, subscriberID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SendRecordRepository) RequeueRetryable(ctx context.Context, campaignID int) (int, error) {
	maxDelay := r.Policy.MaxDelay.Seconds()
	if maxDelay <= 0 {
		maxDelay = (365 * 24 * time.Hour).Seconds()
	}
	query := `
        UPDATE send_records
        SET status='pending', updated_at=NOW()
        WHERE campaign_id=$1 AND status='failed' AND attempt_count < $2
          AND (last_attempt_at IS NULL
               OR last_attempt_at <= NOW() - make_interval(secs => LEAST($3 * power(2, GREATEST(attempt_count - 1, 0)), $4)))
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, r.Policy.MaxAttempts, r.Policy.BaseDelay.Seconds(), maxDelay)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SendRecordRepository) RecoverStaleClaims(ctx context.Context, campaignID int, claimedBefore time.Time) (int, error) {
	query := `
        UPDATE send_records
        SET status='pending', claimed_at=NULL, updated_at=NOW()
        WHERE campaign_id=$1 AND status='sending' AND claimed_at < $2
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, claimedBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SendRecordRepository) GetByID(ctx context.Context, id int) (*model.SendRecord, error) {
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM send_records WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecordNotFound(id)
		}
		return nil, err
	}
	return rec, nil
}

func (r *SendRecordRepository) Stats(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	stats := model.CampaignStats{CampaignID: campaignID, ByStatus: map[model.DeliveryStatus]int{}}
	query := `
        SELECT status, COUNT(*), COUNT(*) FILTER (WHERE attempt_count < $2)
        FROM send_records
        WHERE campaign_id=$1
        GROUP BY status
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, r.Policy.MaxAttempts)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status          model.DeliveryStatus
			count, underMax int
		)
		if err := rows.Scan(&status, &count, &underMax); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		if status == model.StatusFailed {
			stats.RetryEligible = underMax
		}
	}
	return stats, rows.Err()
}

func (r *SendRecordRepository) PurgeAppliedEvents(ctx context.Context, appliedBefore time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM applied_webhook_events WHERE applied_at < $1`, appliedBefore)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *SendRecordRepository) save(ctx context.Context, tx *sql.Tx, rec *model.SendRecord) error {
	var messageID sql.NullString
	if rec.ProviderMessageID != "" {
		messageID = sql.NullString{String: rec.ProviderMessageID, Valid: true}
	}
	query := `
        UPDATE send_records
        SET status=$1, attempt_count=$2, last_attempt_at=$3, last_error=$4, provider_message_id=$5,
            claimed_at=$6, delivered_at=$7, opened_at=$8, clicked_at=$9, bounced_at=$10,
            unsubscribed_at=$11, updated_at=NOW()
        WHERE id=$12
    `
	_, err := tx.ExecContext(ctx, query,
		rec.Status, rec.AttemptCount, rec.LastAttemptAt, rec.LastError, messageID,
		rec.ClaimedAt, rec.DeliveredAt, rec.OpenedAt, rec.ClickedAt, rec.BouncedAt,
		rec.UnsubscribedAt, rec.ID,
	)
	return err
}

func (r *SendRecordRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// prefixed qualifies the record columns with a table alias.
func prefixed(alias string) string {
	cols := make([]string, len(recordColumnNames))
	for i, c := range recordColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

var _ SendRecordRepositoryInterface = (*SendRecordRepository)(nil)
