package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue keys. Producers LPUSH onto the wait list and consumers
// BRPOPLPUSH from its tail into the active list, so jobs come out in
// enqueue order and a consumer crash leaves the job recoverable in
// the active list instead of lost.
const (
	waitKey      = "dispatch:jobs:wait"
	activeKey    = "dispatch:jobs:active"
	delayedKey   = "dispatch:jobs:delayed"
	claimsKey    = "dispatch:jobs:claims"
	completedKey = "dispatch:jobs:completed"
	failedKey    = "dispatch:jobs:failed"

	// consumePollTimeout bounds each blocking pop so Consume can
	// notice context cancellation between waits.
	consumePollTimeout = 5 * time.Second
)

// ErrInvalidJob is returned when a job is missing required fields.
// Jobs are validated at enqueue time; consumers never see a partial one.
var ErrInvalidJob = errors.New("invalid dispatch job")

// Job is one unit of queued work: send one recipient's email. The
// variable snapshot travels with the job so the send does not depend
// on source data that may change mid-flight.
type Job struct {
	RecipientID   uuid.UUID         `json:"recipient_id"`
	CampaignID    uuid.UUID         `json:"campaign_id"`
	TemplateID    uuid.UUID         `json:"template_id"`
	MailboxID     uuid.UUID         `json:"mailbox_id"`
	Email         string            `json:"email"`
	TrackingToken string            `json:"tracking_token"`
	Variables     map[string]string `json:"variables"`
	Attempt       int               `json:"attempt"`
	EnqueuedAt    int64             `json:"enqueued_at"`

	// raw is the payload exactly as stored in Redis, kept so the job
	// can be removed from the active list byte-for-byte.
	raw string
}

// Validate checks the fields a worker cannot proceed without.
func (j *Job) Validate() error {
	switch {
	case j.RecipientID == uuid.Nil:
		return fmt.Errorf("%w: missing recipient id", ErrInvalidJob)
	case j.CampaignID == uuid.Nil:
		return fmt.Errorf("%w: missing campaign id", ErrInvalidJob)
	case j.TemplateID == uuid.Nil:
		return fmt.Errorf("%w: missing template id", ErrInvalidJob)
	case j.MailboxID == uuid.Nil:
		return fmt.Errorf("%w: missing mailbox id", ErrInvalidJob)
	case j.Email == "":
		return fmt.Errorf("%w: missing recipient email", ErrInvalidJob)
	case j.TrackingToken == "":
		return fmt.Errorf("%w: missing tracking token", ErrInvalidJob)
	}
	return nil
}

// Outcome classifies how a consumed job finished.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // recipient marked SENT
	OutcomeFailed    Outcome = "failed"    // retries exhausted, recipient FAILED
	OutcomeSkipped   Outcome = "skipped"   // duplicate delivery or stopped campaign
)

// QueueStats is an operational snapshot, not part of the correctness
// contract.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// QueueConfig tunes redelivery and maintenance cadence.
type QueueConfig struct {
	// VisibilityTimeout is how long a claimed job may stay in the
	// active list before the reaper assumes the worker died and
	// requeues it.
	VisibilityTimeout time.Duration

	// MaintenanceInterval is the cadence of the promoter/reaper task.
	MaintenanceInterval time.Duration
}

// DispatchQueue is the durable per-recipient send queue. Delivery is
// at-least-once: a job claimed by a crashed worker is redelivered
// after its visibility timeout, and the recipient store's
// compare-and-set absorbs the duplicate.
type DispatchQueue struct {
	client *Client
	config QueueConfig
	logger *zap.Logger
}

// NewDispatchQueue creates a dispatch queue on the given Redis client.
func NewDispatchQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *DispatchQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 5 * time.Second
	}

	return &DispatchQueue{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Enqueue validates and pushes jobs in order. Jobs of one campaign are
// delivered FIFO; ordering across campaigns is whatever interleaving
// the callers produce.
func (q *DispatchQueue) Enqueue(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	now := time.Now().UnixNano()
	payloads := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if job.EnqueuedAt == 0 {
			job.EnqueuedAt = now
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		payloads = append(payloads, string(data))
	}

	pipe := q.client.rdb.Pipeline()
	for _, p := range payloads {
		pipe.LPush(ctx, waitKey, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push jobs: %w", err)
	}

	q.logger.Info("jobs enqueued",
		zap.Int("count", len(jobs)),
		zap.String("campaign_id", jobs[0].CampaignID.String()),
	)

	return nil
}

// Consume blocks until a job is available or ctx is done. The job is
// moved to the active list and claimed for VisibilityTimeout; the
// caller must finish with Ack or Retry.
func (q *DispatchQueue) Consume(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := q.client.rdb.BRPopLPush(ctx, waitKey, activeKey, consumePollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pop job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Unparseable payloads cannot be processed or retried;
			// drop from the active list and keep consuming.
			q.logger.Error("discarding malformed job payload", zap.Error(err))
			q.client.rdb.LRem(ctx, activeKey, 1, payload)
			continue
		}
		job.raw = payload

		deadline := time.Now().Add(q.config.VisibilityTimeout).Unix()
		if err := q.client.rdb.HSet(ctx, claimsKey, job.RecipientID.String(), deadline).Err(); err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		return &job, nil
	}
}

// Ack removes a consumed job from the active list and records its
// outcome in the queue counters.
func (q *DispatchQueue) Ack(ctx context.Context, job *Job, outcome Outcome) error {
	pipe := q.client.rdb.Pipeline()
	pipe.LRem(ctx, activeKey, 1, job.raw)
	pipe.HDel(ctx, claimsKey, job.RecipientID.String())
	switch outcome {
	case OutcomeCompleted:
		pipe.Incr(ctx, completedKey)
	case OutcomeFailed:
		pipe.Incr(ctx, failedKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Retry releases a consumed job and schedules its redelivery after
// the given delay, with the attempt counter bumped. The delay is
// served by the delayed set and the maintenance promoter; nothing
// busy-waits.
func (q *DispatchQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	retried := *job
	retried.Attempt++
	retried.raw = ""
	data, err := json.Marshal(&retried)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}

	pipe := q.client.rdb.Pipeline()
	pipe.LRem(ctx, activeKey, 1, job.raw)
	pipe.HDel(ctx, claimsKey, job.RecipientID.String())
	pipe.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(data),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	q.logger.Info("job scheduled for retry",
		zap.String("recipient_id", job.RecipientID.String()),
		zap.Int("attempt", retried.Attempt),
		zap.Duration("delay", delay),
	)

	return nil
}

// CancelPending removes every not-yet-claimed job (waiting or delayed)
// for a campaign. Jobs already claimed by a worker are left to finish;
// that is the cooperative STOPPED semantics, not a hard kill.
func (q *DispatchQueue) CancelPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	removed := 0

	waiting, err := q.client.rdb.LRange(ctx, waitKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan wait list: %w", err)
	}
	for _, payload := range waiting {
		if !payloadBelongsTo(payload, campaignID) {
			continue
		}
		n, err := q.client.rdb.LRem(ctx, waitKey, 1, payload).Result()
		if err != nil {
			return removed, fmt.Errorf("remove waiting job: %w", err)
		}
		removed += int(n)
	}

	delayed, err := q.client.rdb.ZRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("scan delayed set: %w", err)
	}
	for _, payload := range delayed {
		if !payloadBelongsTo(payload, campaignID) {
			continue
		}
		n, err := q.client.rdb.ZRem(ctx, delayedKey, payload).Result()
		if err != nil {
			return removed, fmt.Errorf("remove delayed job: %w", err)
		}
		removed += int(n)
	}

	q.logger.Info("pending jobs cancelled",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("removed", removed),
	)

	return removed, nil
}

func payloadBelongsTo(payload string, campaignID uuid.UUID) bool {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return false
	}
	return job.CampaignID == campaignID
}

// Stats returns current queue depths and lifetime outcome counters.
func (q *DispatchQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.rdb.Pipeline()
	waitCmd := pipe.LLen(ctx, waitKey)
	delayedCmd := pipe.ZCard(ctx, delayedKey)
	activeCmd := pipe.LLen(ctx, activeKey)
	completedCmd := pipe.Get(ctx, completedKey)
	failedCmd := pipe.Get(ctx, failedKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	stats := &QueueStats{
		Waiting: waitCmd.Val() + delayedCmd.Val(),
		Active:  activeCmd.Val(),
	}
	if v, err := completedCmd.Int64(); err == nil {
		stats.Completed = v
	}
	if v, err := failedCmd.Int64(); err == nil {
		stats.Failed = v
	}

	return stats, nil
}

// StartMaintenance runs the periodic promoter/reaper until ctx is
// done. Housekeeping is an explicit scheduled task, never piggybacked
// on the request or consume path.
func (q *DispatchQueue) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(q.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue maintenance stopping")
			return
		case <-ticker.C:
			if err := q.promoteDelayed(ctx); err != nil {
				q.logger.Error("failed to promote delayed jobs", zap.Error(err))
			}
			if err := q.reclaimExpired(ctx); err != nil {
				q.logger.Error("failed to reclaim expired claims", zap.Error(err))
			}
		}
	}
}

// promoteDelayed moves due retry jobs from the delayed set back onto
// the wait list. Promoted jobs land at the consuming end so retries
// are not starved behind fresh work.
func (q *DispatchQueue) promoteDelayed(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan due jobs: %w", err)
	}

	for _, payload := range due {
		n, err := q.client.rdb.ZRem(ctx, delayedKey, payload).Result()
		if err != nil {
			return fmt.Errorf("remove due job: %w", err)
		}
		if n == 0 {
			continue // another maintenance loop got there first
		}
		if err := q.client.rdb.RPush(ctx, waitKey, payload).Err(); err != nil {
			return fmt.Errorf("requeue due job: %w", err)
		}
	}

	if len(due) > 0 {
		q.logger.Debug("promoted delayed jobs", zap.Int("count", len(due)))
	}

	return nil
}

// reclaimExpired requeues active jobs whose claim deadline has passed
// or was never written, which redelivers work abandoned by a crashed
// or hung worker. A consumer that dies between the pop and the claim
// write leaves no claims entry at all, so the active list is walked as
// the source of truth; a live consumer caught inside that window gets
// its job redelivered once and the recipient compare-and-set absorbs
// the duplicate.
func (q *DispatchQueue) reclaimExpired(ctx context.Context) error {
	claims, err := q.client.rdb.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		return fmt.Errorf("scan claims: %w", err)
	}

	active, err := q.client.rdb.LRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan active list: %w", err)
	}

	now := time.Now().Unix()
	for _, payload := range active {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}

		recipientID := job.RecipientID.String()
		if deadlineStr, claimed := claims[recipientID]; claimed {
			var deadline int64
			if _, err := fmt.Sscanf(deadlineStr, "%d", &deadline); err == nil && deadline >= now {
				continue
			}
		}

		pipe := q.client.rdb.Pipeline()
		pipe.LRem(ctx, activeKey, 1, payload)
		pipe.LPush(ctx, waitKey, payload)
		pipe.HDel(ctx, claimsKey, recipientID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue abandoned job: %w", err)
		}
		q.logger.Warn("requeued abandoned job",
			zap.String("recipient_id", recipientID),
		)
	}

	return nil
}
