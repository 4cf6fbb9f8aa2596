package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const recipientColumns = `
	id, campaign_id, email, variables, status, tracking_token,
	error_message, sent_at, opened_at, acked_at, created_at, updated_at
`

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var rec Recipient
	err := row.Scan(
		&rec.ID,
		&rec.CampaignID,
		&rec.Email,
		&rec.Variables,
		&rec.Status,
		&rec.TrackingToken,
		&rec.ErrorMessage,
		&rec.SentAt,
		&rec.OpenedAt,
		&rec.AckedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecipient retrieves a recipient by ID.
func (r *Repository) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE id = $1`

	rec, err := scanRecipient(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	return rec, nil
}

// RecipientByToken resolves a tracking token to its recipient.
func (r *Repository) RecipientByToken(ctx context.Context, token string) (*Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE tracking_token = $1`

	rec, err := scanRecipient(r.db.Pool().QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient by token: %w", err)
	}

	return rec, nil
}

// MarkRecipientSent transitions PENDING -> SENT. The status guard is
// a compare-and-set: a duplicate-delivered job or a racing worker gets
// false, not an error, and must not send again.
func (r *Repository) MarkRecipientSent(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE campaign_recipients
		SET status = 'SENT', sent_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark recipient sent: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkRecipientFailed transitions PENDING -> FAILED with the last
// transport error. Same compare-and-set semantics as MarkRecipientSent.
func (r *Repository) MarkRecipientFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	query := `
		UPDATE campaign_recipients
		SET status = 'FAILED', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("mark recipient failed: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// PendingRecipients lists a campaign's recipients still awaiting
// dispatch, in enqueue order.
func (r *Repository) PendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]*Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query pending recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// ResetFailedRecipients returns a campaign's FAILED recipients to
// PENDING and reports how many rows were reset. Operator-gated path.
func (r *Repository) ResetFailedRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = 'PENDING', error_message = NULL, updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'FAILED'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("reset failed recipients: %w", err)
	}

	reset := int(result.RowsAffected())
	if reset > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET failed_count = GREATEST(failed_count - $2, 0), updated_at = NOW()
			WHERE id = $1
		`, campaignID, reset); err != nil {
			return 0, fmt.Errorf("adjust failed count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reset: %w", err)
	}

	r.logger.Info("failed recipients reset",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("count", reset),
	)

	return reset, nil
}

// RecipientCounts aggregates delivery and tracking state for a campaign.
func (r *Repository) RecipientCounts(ctx context.Context, campaignID uuid.UUID) (*RecipientCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'SENT'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE acked_at IS NOT NULL)
		FROM campaign_recipients
		WHERE campaign_id = $1
	`

	var counts RecipientCounts
	err := r.db.Pool().QueryRow(ctx, query, campaignID).Scan(
		&counts.Pending,
		&counts.Sent,
		&counts.Failed,
		&counts.Opened,
		&counts.Acked,
	)
	if err != nil {
		return nil, fmt.Errorf("query recipient counts: %w", err)
	}

	return &counts, nil
}

// RecordOpen sets the recipient's open timestamp if it is unset.
// Returns the stored timestamp and whether this call was the one that
// set it. Unknown tokens return ErrTokenNotFound; callers log it and
// answer the pixel fetch benignly anyway.
func (r *Repository) RecordOpen(ctx context.Context, token string) (bool, time.Time, error) {
	var openedAt time.Time
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE campaign_recipients
		SET opened_at = NOW(), updated_at = NOW()
		WHERE tracking_token = $1 AND opened_at IS NULL
		RETURNING opened_at
	`, token).Scan(&openedAt)

	if err == nil {
		return true, openedAt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, time.Time{}, fmt.Errorf("record open: %w", err)
	}

	// Already opened, or the token does not exist.
	var existing *time.Time
	err = r.db.Pool().QueryRow(ctx,
		`SELECT opened_at FROM campaign_recipients WHERE tracking_token = $1`, token,
	).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, time.Time{}, ErrTokenNotFound
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("query open timestamp: %w", err)
	}
	if existing == nil {
		// Lost a race with a concurrent first open that has not
		// committed yet; treat as already recorded.
		return false, time.Time{}, nil
	}

	return false, *existing, nil
}

// RecordAck sets the recipient's acknowledgment timestamp if it is
// unset. Same first-caller-wins contract as RecordOpen, but the result
// is surfaced to the caller rather than swallowed.
func (r *Repository) RecordAck(ctx context.Context, token string) (bool, time.Time, error) {
	var ackedAt time.Time
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE campaign_recipients
		SET acked_at = NOW(), updated_at = NOW()
		WHERE tracking_token = $1 AND acked_at IS NULL
		RETURNING acked_at
	`, token).Scan(&ackedAt)

	if err == nil {
		return true, ackedAt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, time.Time{}, fmt.Errorf("record ack: %w", err)
	}

	var existing *time.Time
	err = r.db.Pool().QueryRow(ctx,
		`SELECT acked_at FROM campaign_recipients WHERE tracking_token = $1`, token,
	).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, time.Time{}, ErrTokenNotFound
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("query ack timestamp: %w", err)
	}
	if existing == nil {
		return false, time.Time{}, nil
	}

	return false, *existing, nil
}
