package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/db"
	"github.com/uniconnect/dispatch/internal/redis"
	"github.com/uniconnect/dispatch/internal/tracking"
)

// Repository is the persistence surface the service needs.
type Repository interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	EnqueueCampaign(ctx context.Context, id uuid.UUID, status string, scheduledAt *time.Time, recipients []*db.Recipient) (bool, error)
	DueScheduledCampaigns(ctx context.Context, limit int) ([]*db.Campaign, error)
	DeleteCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	PendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]*db.Recipient, error)
	ResetFailedRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)
	RecipientCounts(ctx context.Context, campaignID uuid.UUID) (*db.RecipientCounts, error)
	ListContacts(ctx context.Context, tenantID uuid.UUID) ([]*db.Contact, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	GetMailbox(ctx context.Context, id uuid.UUID) (*db.Mailbox, error)
}

// Queue is the dispatch queue surface the service needs.
type Queue interface {
	Enqueue(ctx context.Context, jobs []*redis.Job) error
	CancelPending(ctx context.Context, campaignID uuid.UUID) (int, error)
	Stats(ctx context.Context) (*redis.QueueStats, error)
}

// Service drives the campaign lifecycle.
type Service struct {
	repo   Repository
	queue  Queue
	logger *zap.Logger
}

// NewService creates a campaign service.
func NewService(repo Repository, queue Queue, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		queue:  queue,
		logger: logger,
	}
}

// CreateParams describes a new campaign.
type CreateParams struct {
	TenantID   uuid.UUID
	Name       string
	TemplateID uuid.UUID
	MailboxID  uuid.UUID
	EmailKey   string
}

// Create validates the referenced template and mailbox and inserts the
// campaign in DRAFT. Nothing is sent or snapshotted yet.
func (s *Service) Create(ctx context.Context, params CreateParams) (*db.Campaign, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if _, err := s.repo.GetTemplate(ctx, params.TemplateID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetMailbox(ctx, params.MailboxID); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:         uuid.New(),
		TenantID:   params.TenantID,
		Name:       params.Name,
		TemplateID: params.TemplateID,
		MailboxID:  params.MailboxID,
		EmailKey:   params.EmailKey,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	return c, nil
}

// Detail is a campaign with its live recipient aggregates.
type Detail struct {
	Campaign *db.Campaign        `json:"campaign"`
	Counts   *db.RecipientCounts `json:"counts"`
}

// Get returns the campaign and its current recipient counts.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Detail, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.repo.RecipientCounts(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Detail{Campaign: c, Counts: counts}, nil
}

// Enqueue snapshots the tenant's contacts into recipient rows and
// starts (or schedules) the send. The snapshot and the status change
// commit together; jobs reach the queue only after that commit, so a
// queued job always has a backing recipient row.
func (s *Service) Enqueue(ctx context.Context, id uuid.UUID, scheduledAt *time.Time) (*db.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	recipients, err := s.snapshotRecipients(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	status := db.CampaignQueued
	if scheduledAt != nil && scheduledAt.After(time.Now()) {
		status = db.CampaignScheduled
	} else {
		scheduledAt = nil
	}

	ok, err := s.repo.EnqueueCampaign(ctx, id, status, scheduledAt, recipients)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTransition
	}

	if status == db.CampaignQueued {
		if err := s.queue.Enqueue(ctx, buildJobs(c, recipients)); err != nil {
			// The snapshot is committed but nothing will deliver it.
			// Park the campaign in FAILED so the operator can delete
			// or retry it.
			s.logger.Error("failed to queue campaign jobs",
				zap.Error(err),
				zap.String("campaign_id", id.String()),
			)
			if _, terr := s.repo.TransitionCampaign(ctx, id,
				[]string{db.CampaignQueued}, db.CampaignFailed); terr != nil {
				s.logger.Error("failed to mark campaign failed", zap.Error(terr))
			}
			return nil, fmt.Errorf("queue campaign jobs: %w", err)
		}
	}

	return s.repo.GetCampaign(ctx, id)
}

// Stop halts a campaign. Pending queue jobs are cancelled; a job a
// worker already holds finishes on its own, the worker checks the
// campaign status before sending.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	ok, err := s.repo.TransitionCampaign(ctx, id, stopFrom, db.CampaignStopped)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.transitionConflict(ctx, id)
	}

	if _, err := s.queue.CancelPending(ctx, id); err != nil {
		// The status flip already landed; workers will skip the
		// leftover jobs when they see STOPPED.
		s.logger.Error("failed to cancel pending jobs",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
	}

	return s.repo.GetCampaign(ctx, id)
}

// Resume re-queues the pending remainder of a stopped campaign.
// Recipients already SENT or FAILED keep their outcome. A resume with
// nothing left to send completes the campaign immediately.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	ok, err := s.repo.TransitionCampaign(ctx, id, resumeFrom, db.CampaignQueued)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.transitionConflict(ctx, id)
	}

	queued, err := s.dispatchPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if queued == 0 {
		if _, err := s.repo.TransitionCampaign(ctx, id,
			[]string{db.CampaignQueued}, db.CampaignCompleted); err != nil {
			return nil, err
		}
	}

	return s.repo.GetCampaign(ctx, id)
}

// RetryFailed returns a finished campaign's FAILED recipients to
// PENDING and queues them again. A campaign parked in FAILED by a
// queue outage may still hold PENDING recipients with no jobs behind
// them; those are requeued too, making retry the recovery path for
// that parking.
func (s *Service) RetryFailed(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	counts, err := s.repo.RecipientCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	if counts.Failed == 0 && counts.Pending == 0 {
		return nil, ErrNoFailedRecipients
	}

	ok, err := s.repo.TransitionCampaign(ctx, id, retryFrom, db.CampaignQueued)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.transitionConflict(ctx, id)
	}

	if counts.Failed > 0 {
		if _, err := s.repo.ResetFailedRecipients(ctx, id); err != nil {
			return nil, err
		}
	}

	if _, err := s.dispatchPending(ctx, id); err != nil {
		return nil, err
	}

	return s.repo.GetCampaign(ctx, id)
}

// Delete removes a DRAFT or FAILED campaign with its recipients.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.DeleteCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// QueueStats exposes queue depths for the operational endpoint.
func (s *Service) QueueStats(ctx context.Context) (*redis.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// transitionConflict distinguishes "campaign gone" from "campaign in
// the wrong status" after a compare-and-set affected no rows.
func (s *Service) transitionConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetCampaign(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// snapshotRecipients materializes the tenant's contacts into recipient
// rows with fresh tracking tokens. When the campaign names an email
// key, the address is taken from that metadata field and contacts
// without it are skipped.
func (s *Service) snapshotRecipients(ctx context.Context, c *db.Campaign) ([]*db.Recipient, error) {
	contacts, err := s.repo.ListContacts(ctx, c.TenantID)
	if err != nil {
		return nil, err
	}

	recipients := make([]*db.Recipient, 0, len(contacts))
	for _, contact := range contacts {
		email := contact.Email
		if c.EmailKey != "" {
			email = contact.Metadata[c.EmailKey]
		}
		if email == "" {
			s.logger.Warn("skipping contact without address",
				zap.String("contact_id", contact.ID.String()),
				zap.String("campaign_id", c.ID.String()),
			)
			continue
		}

		token, err := tracking.NewToken()
		if err != nil {
			return nil, err
		}

		variables := make(map[string]string, len(contact.Metadata)+2)
		for k, v := range contact.Metadata {
			variables[k] = v
		}
		if _, ok := variables["Name"]; !ok {
			variables["Name"] = contact.Name
		}
		if _, ok := variables["Email"]; !ok {
			variables["Email"] = email
		}

		recipients = append(recipients, &db.Recipient{
			ID:            uuid.New(),
			CampaignID:    c.ID,
			Email:         email,
			Variables:     variables,
			Status:        db.RecipientPending,
			TrackingToken: token,
		})
	}

	return recipients, nil
}

// dispatchPending queues every recipient of the campaign still in
// PENDING and reports how many. Used by resume, retry, and scheduled
// promotion; the initial enqueue builds its jobs from the snapshot it
// just wrote instead.
func (s *Service) dispatchPending(ctx context.Context, id uuid.UUID) (int, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}

	pending, err := s.repo.PendingRecipients(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := s.queue.Enqueue(ctx, buildJobs(c, pending)); err != nil {
		return 0, err
	}
	return len(pending), nil
}

func buildJobs(c *db.Campaign, recipients []*db.Recipient) []*redis.Job {
	jobs := make([]*redis.Job, len(recipients))
	for i, rec := range recipients {
		jobs[i] = &redis.Job{
			RecipientID:   rec.ID,
			CampaignID:    c.ID,
			TemplateID:    c.TemplateID,
			MailboxID:     c.MailboxID,
			Email:         rec.Email,
			TrackingToken: rec.TrackingToken,
			Variables:     rec.Variables,
		}
	}
	return jobs
}

var _ Repository = (*db.Repository)(nil)
var _ Queue = (*redis.DispatchQueue)(nil)
