package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/db"
	"github.com/uniconnect/dispatch/internal/metrics"
	"github.com/uniconnect/dispatch/internal/redis"
	"github.com/uniconnect/dispatch/internal/template"
)

// Store is the persistence surface a worker needs per job.
type Store interface {
	CampaignStatus(ctx context.Context, id uuid.UUID) (string, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	GetMailbox(ctx context.Context, id uuid.UUID) (*db.Mailbox, error)
	MarkRecipientSent(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRecipientFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	IncrementSentCount(ctx context.Context, id uuid.UUID) error
	IncrementFailedCount(ctx context.Context, id uuid.UUID) error
	CompleteCampaignIfDone(ctx context.Context, id uuid.UUID) (bool, error)
}

// JobQueue is the queue surface a worker needs.
type JobQueue interface {
	Consume(ctx context.Context) (*redis.Job, error)
	Ack(ctx context.Context, job *redis.Job, outcome redis.Outcome) error
	Retry(ctx context.Context, job *redis.Job, delay time.Duration) error
}

// Config tunes the pool.
type Config struct {
	// Concurrency is the number of goroutines consuming the queue.
	Concurrency int

	// MaxAttempts is the total tries per job, first delivery included.
	MaxAttempts int

	// BackoffBase is the delay before the first retry; each further
	// retry doubles it.
	BackoffBase time.Duration

	// PublicBaseURL is the externally reachable address tracking URLs
	// are built on. Empty disables tracking injection.
	PublicBaseURL string
}

// Pool runs a fixed set of workers against the dispatch queue. Every
// outcome is settled explicitly: a job ends in Ack or Retry, never
// abandoned.
type Pool struct {
	store  Store
	queue  JobQueue
	sender MailboxSender
	config Config
	logger *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(store Store, queue JobQueue, sender MailboxSender, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}

	return &Pool{
		store:  store,
		queue:  queue,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Run starts the workers and blocks until ctx is done and all workers
// have drained their current job.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.config.Concurrency),
		zap.Int("max_attempts", p.config.MaxAttempts),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))

	for {
		job, err := p.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to consume job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		p.process(ctx, logger, job)
	}
}

// process settles one job.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, job *redis.Job) {
	logger = logger.With(
		zap.String("campaign_id", job.CampaignID.String()),
		zap.String("recipient_id", job.RecipientID.String()),
		zap.Int("attempt", job.Attempt+1),
	)

	status, err := p.store.CampaignStatus(ctx, job.CampaignID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("dropping job for deleted campaign")
		p.ack(ctx, logger, job, redis.OutcomeSkipped)
		return
	}
	if err != nil {
		p.release(ctx, logger, job, err)
		return
	}

	// Jobs may outlive the campaign's run: a stop can land after the
	// job was queued. Skipped recipients stay PENDING for a later
	// resume.
	if status != db.CampaignQueued && status != db.CampaignInProgress {
		logger.Info("skipping job, campaign not running", zap.String("status", status))
		p.ack(ctx, logger, job, redis.OutcomeSkipped)
		return
	}

	if status == db.CampaignQueued {
		// First job of the run flips the campaign; losing this race
		// just means another worker already did.
		if _, err := p.store.TransitionCampaign(ctx, job.CampaignID,
			[]string{db.CampaignQueued}, db.CampaignInProgress); err != nil {
			logger.Error("failed to mark campaign in progress", zap.Error(err))
		}
	}

	msg, err := p.buildMessage(ctx, job)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.failPermanently(ctx, logger, job, err)
			return
		}
		p.release(ctx, logger, job, err)
		return
	}

	start := time.Now()
	err = p.sender.Send(ctx, msg)
	metrics.ObserveSendDuration(time.Since(start))

	if err == nil {
		p.succeed(ctx, logger, job)
		return
	}

	if errors.Is(err, ErrPermanent) || job.Attempt+1 >= p.config.MaxAttempts {
		p.failPermanently(ctx, logger, job, err)
		return
	}

	p.release(ctx, logger, job, err)
}

// buildMessage renders the template against the job's variable
// snapshot and injects tracking. The open pixel is appended to the
// body; the acknowledgment URL is exposed as the AckURL variable for
// templates that want a confirmation link.
func (p *Pool) buildMessage(ctx context.Context, job *redis.Job) (*Message, error) {
	tpl, err := p.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return nil, err
	}
	mbox, err := p.store.GetMailbox(ctx, job.MailboxID)
	if err != nil {
		return nil, err
	}

	vars := job.Variables
	if p.config.PublicBaseURL != "" {
		vars = make(map[string]string, len(job.Variables)+1)
		for k, v := range job.Variables {
			vars[k] = v
		}
		vars["AckURL"] = fmt.Sprintf("%s/track/ack/%s", p.config.PublicBaseURL, job.TrackingToken)
	}

	html := template.Render(tpl.HTML, vars)
	if p.config.PublicBaseURL != "" {
		html += fmt.Sprintf(
			`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none"/>`,
			p.config.PublicBaseURL, job.TrackingToken,
		)
	}

	return &Message{
		FromEmail: mbox.Email,
		FromName:  mbox.FromName,
		To:        job.Email,
		Subject:   template.Render(tpl.Subject, vars),
		HTML:      html,
	}, nil
}

// succeed records the delivery. The compare-and-set decides whether
// this worker's send counts; a redelivered duplicate loses it and is
// acked without touching the counters.
func (p *Pool) succeed(ctx context.Context, logger *zap.Logger, job *redis.Job) {
	won, err := p.store.MarkRecipientSent(ctx, job.RecipientID)
	if err != nil {
		p.release(ctx, logger, job, err)
		return
	}

	if !won {
		logger.Info("recipient already settled, dropping duplicate")
		p.ack(ctx, logger, job, redis.OutcomeSkipped)
		return
	}

	if err := p.store.IncrementSentCount(ctx, job.CampaignID); err != nil {
		logger.Error("failed to increment sent count", zap.Error(err))
	}

	metrics.RecordDispatchOutcome("sent")
	p.ack(ctx, logger, job, redis.OutcomeCompleted)
	p.maybeComplete(ctx, logger, job.CampaignID)

	logger.Info("recipient sent", zap.String("to", job.Email))
}

// failPermanently marks the recipient FAILED and settles the job.
func (p *Pool) failPermanently(ctx context.Context, logger *zap.Logger, job *redis.Job, cause error) {
	won, err := p.store.MarkRecipientFailed(ctx, job.RecipientID, cause.Error())
	if err != nil {
		p.release(ctx, logger, job, err)
		return
	}

	if !won {
		logger.Info("recipient already settled, dropping duplicate")
		p.ack(ctx, logger, job, redis.OutcomeSkipped)
		return
	}

	if err := p.store.IncrementFailedCount(ctx, job.CampaignID); err != nil {
		logger.Error("failed to increment failed count", zap.Error(err))
	}

	metrics.RecordDispatchOutcome("failed")
	p.ack(ctx, logger, job, redis.OutcomeFailed)
	p.maybeComplete(ctx, logger, job.CampaignID)

	logger.Warn("recipient failed permanently",
		zap.String("to", job.Email),
		zap.Error(cause),
	)
}

// maxRetryDelay caps the exponential backoff. Store and template
// lookups retry through here without an attempt budget, so the delay
// must stay bounded no matter how high the attempt counter climbs.
const maxRetryDelay = 5 * time.Minute

// release schedules a retry with exponential backoff.
func (p *Pool) release(ctx context.Context, logger *zap.Logger, job *redis.Job, cause error) {
	delay := p.config.BackoffBase
	for i := 0; i < job.Attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	logger.Warn("transient failure, retrying",
		zap.Error(cause),
		zap.Duration("delay", delay),
	)
	metrics.RecordDispatchRetry()

	if err := p.queue.Retry(ctx, job, delay); err != nil {
		// The claim stays; the maintenance reaper will requeue the
		// job after the visibility timeout.
		logger.Error("failed to schedule retry", zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, logger *zap.Logger, job *redis.Job, outcome redis.Outcome) {
	if err := p.queue.Ack(ctx, job, outcome); err != nil {
		logger.Error("failed to ack job", zap.Error(err))
	}
}

func (p *Pool) maybeComplete(ctx context.Context, logger *zap.Logger, campaignID uuid.UUID) {
	done, err := p.store.CompleteCampaignIfDone(ctx, campaignID)
	if err != nil {
		logger.Error("failed to check campaign completion", zap.Error(err))
		return
	}
	if done {
		logger.Info("campaign completed")
	}
}

var _ Store = (*db.Repository)(nil)
var _ JobQueue = (*redis.DispatchQueue)(nil)
