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

// Repository handles database operations for campaigns and recipients.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateCampaign inserts a new campaign in DRAFT status.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, template_id, mailbox_id, email_key, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		c.ID,
		c.TenantID,
		c.Name,
		c.TemplateID,
		c.MailboxID,
		c.EmailKey,
		CampaignDraft,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	c.Status = CampaignDraft

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("name", c.Name),
	)

	return nil
}

const campaignColumns = `
	id, tenant_id, name, template_id, mailbox_id, email_key,
	status, total_recipients, sent_count, failed_count,
	scheduled_at, completed_at, created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.TemplateID,
		&c.MailboxID,
		&c.EmailKey,
		&c.Status,
		&c.TotalRecipients,
		&c.SentCount,
		&c.FailedCount,
		&c.ScheduledAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return c, nil
}

// CampaignStatus returns just the status column. Used on the worker
// hot path to check for STOPPED campaigns before sending.
func (r *Repository) CampaignStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query campaign status: %w", err)
	}
	return status, nil
}

// TransitionCampaign moves a campaign from any of the given statuses
// to the target status. Returns false without error when the campaign
// was not in an allowed status; the caller decides whether that is a
// conflict or an expected race.
func (r *Repository) TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $1,
		    completed_at = CASE WHEN $1 = 'COMPLETED' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		return false, nil
	}

	r.logger.Info("campaign status changed",
		zap.String("campaign_id", id.String()),
		zap.String("status", to),
	)

	return true, nil
}

// EnqueueCampaign atomically moves a DRAFT campaign to the given
// status (QUEUED or SCHEDULED) and materializes its recipient rows.
// Either the transition, the total, and every recipient become visible
// together, or nothing does. Returns false when the campaign was not
// in DRAFT.
func (r *Repository) EnqueueCampaign(ctx context.Context, id uuid.UUID, status string, scheduledAt *time.Time, recipients []*Recipient) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET status = $1, total_recipients = $2, scheduled_at = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'DRAFT'
	`, status, len(recipients), scheduledAt, id)
	if err != nil {
		return false, fmt.Errorf("update campaign for enqueue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	rows := make([][]any, len(recipients))
	for i, rec := range recipients {
		rows[i] = []any{
			rec.ID, rec.CampaignID, rec.Email, rec.Variables,
			RecipientPending, rec.TrackingToken,
		}
	}

	copied, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"campaign_recipients"},
		[]string{"id", "campaign_id", "email", "variables", "status", "tracking_token"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return false, fmt.Errorf("bulk insert recipients: %w", err)
	}
	if copied != int64(len(recipients)) {
		return false, fmt.Errorf("bulk insert recipients: copied %d of %d rows", copied, len(recipients))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit enqueue: %w", err)
	}

	r.logger.Info("campaign enqueued",
		zap.String("campaign_id", id.String()),
		zap.String("status", status),
		zap.Int("recipients", len(recipients)),
	)

	return true, nil
}

// DueScheduledCampaigns lists SCHEDULED campaigns whose send time has
// arrived, oldest first.
func (r *Repository) DueScheduledCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'SCHEDULED' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// IncrementSentCount bumps the campaign's sent counter by one.
func (r *Repository) IncrementSentCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE campaigns SET sent_count = sent_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment sent count: %w", err)
	}
	return nil
}

// IncrementFailedCount bumps the campaign's failed counter by one.
func (r *Repository) IncrementFailedCount(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE campaigns SET failed_count = failed_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment failed count: %w", err)
	}
	return nil
}

// CompleteCampaignIfDone transitions IN_PROGRESS -> COMPLETED once
// every recipient has reached a terminal delivery status. The check
// and the transition are one statement so concurrent workers cannot
// both observe an incomplete campaign and miss the flip.
func (r *Repository) CompleteCampaignIfDone(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'COMPLETED', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = 'IN_PROGRESS'
		  AND total_recipients > 0
		  AND (
			SELECT COUNT(*) FROM campaign_recipients
			WHERE campaign_id = $1 AND status IN ('SENT', 'FAILED')
		  ) >= total_recipients
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		return false, nil
	}

	r.logger.Info("campaign completed", zap.String("campaign_id", id.String()))
	return true, nil
}

// DeleteCampaign removes a campaign and its recipients. Only DRAFT
// and FAILED campaigns may be deleted; the guard is part of the
// delete statement so a concurrent enqueue cannot slip through.
func (r *Repository) DeleteCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM campaign_recipients WHERE campaign_id = $1`, id); err != nil {
		return false, fmt.Errorf("delete recipients: %w", err)
	}

	result, err := tx.Exec(ctx,
		`DELETE FROM campaigns WHERE id = $1 AND status IN ('DRAFT', 'FAILED')`, id)
	if err != nil {
		return false, fmt.Errorf("delete campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}

	r.logger.Info("campaign deleted", zap.String("campaign_id", id.String()))
	return true, nil
}
