package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestQueue(t *testing.T) (*DispatchQueue, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	queue := NewDispatchQueue(client, QueueConfig{
		VisibilityTimeout:   time.Minute,
		MaintenanceInterval: time.Second,
	}, zap.NewNop())

	return queue, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testJob(campaignID uuid.UUID, email string) *Job {
	return &Job{
		RecipientID:   uuid.New(),
		CampaignID:    campaignID,
		TemplateID:    uuid.New(),
		MailboxID:     uuid.New(),
		Email:         email,
		TrackingToken: "tok-" + email,
		Variables:     map[string]string{"Name": "Test"},
	}
}

func TestDispatchQueue_FIFOOrder(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	campaignID := uuid.New()

	jobs := []*Job{
		testJob(campaignID, "first@example.com"),
		testJob(campaignID, "second@example.com"),
		testJob(campaignID, "third@example.com"),
	}
	if err := queue.Enqueue(ctx, jobs); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for _, want := range []string{"first@example.com", "second@example.com", "third@example.com"} {
		job, err := queue.Consume(ctx)
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if job.Email != want {
			t.Errorf("expected %s, got %s", want, job.Email)
		}
	}
}

func TestDispatchQueue_RejectsInvalidJob(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	job := testJob(uuid.New(), "valid@example.com")
	job.TrackingToken = ""

	err := queue.Enqueue(context.Background(), []*Job{job})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}

	stats, err := queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Waiting != 0 {
		t.Errorf("expected empty queue after rejected enqueue, got %d waiting", stats.Waiting)
	}
}

func TestDispatchQueue_AckClearsActiveAndCounts(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "a@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Active != 1 {
		t.Fatalf("expected 1 active job, got %d", stats.Active)
	}

	if err := queue.Ack(ctx, job, OutcomeCompleted); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	stats, _ = queue.Stats(ctx)
	if stats.Active != 0 {
		t.Errorf("expected 0 active jobs, got %d", stats.Active)
	}
	if stats.Completed != 1 {
		t.Errorf("expected completed counter 1, got %d", stats.Completed)
	}
	if stats.Failed != 0 {
		t.Errorf("expected failed counter 0, got %d", stats.Failed)
	}
}

func TestDispatchQueue_SkippedOutcomeNotCounted(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "a@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := queue.Ack(ctx, job, OutcomeSkipped); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Completed != 0 || stats.Failed != 0 {
		t.Errorf("skipped jobs must not move counters, got completed=%d failed=%d",
			stats.Completed, stats.Failed)
	}
}

func TestDispatchQueue_RetryDelaysAndPromotes(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "retry@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	if err := queue.Retry(ctx, job, 10*time.Millisecond); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Active != 0 {
		t.Fatalf("retried job should leave the active list, got %d active", stats.Active)
	}
	if stats.Waiting != 1 {
		t.Fatalf("retried job should count as waiting, got %d", stats.Waiting)
	}

	time.Sleep(20 * time.Millisecond)
	if err := queue.promoteDelayed(ctx); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	promoted, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume after promote failed: %v", err)
	}
	if promoted.Email != "retry@example.com" {
		t.Errorf("expected retried job, got %s", promoted.Email)
	}
	if promoted.Attempt != job.Attempt+1 {
		t.Errorf("expected attempt %d, got %d", job.Attempt+1, promoted.Attempt)
	}
}

func TestDispatchQueue_PromoteLeavesFutureJobs(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "later@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := queue.Retry(ctx, job, time.Hour); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if err := queue.promoteDelayed(ctx); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("expected job still delayed, got %d waiting", stats.Waiting)
	}
	if n, _ := queue.client.rdb.LLen(ctx, waitKey).Result(); n != 0 {
		t.Errorf("future job must not be promoted, found %d on wait list", n)
	}
}

func TestDispatchQueue_CancelPendingIsScopedToCampaign(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	stopped := uuid.New()
	running := uuid.New()

	if err := queue.Enqueue(ctx, []*Job{
		testJob(stopped, "s1@example.com"),
		testJob(running, "r1@example.com"),
		testJob(stopped, "s2@example.com"),
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Park one of the stopped campaign's jobs in the delayed set too.
	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if job.CampaignID != stopped {
		t.Fatalf("expected stopped campaign job first, got %s", job.CampaignID)
	}
	if err := queue.Retry(ctx, job, time.Hour); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	removed, err := queue.CancelPending(ctx, stopped)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 jobs removed, got %d", removed)
	}

	survivor, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if survivor.CampaignID != running {
		t.Errorf("other campaign's job should survive, got campaign %s", survivor.CampaignID)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Waiting != 0 {
		t.Errorf("expected no remaining pending jobs, got %d", stats.Waiting)
	}
}

func TestDispatchQueue_ReclaimExpiredClaim(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "lost@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	// Simulate a worker that died holding the claim.
	expired := time.Now().Add(-time.Minute).Unix()
	if err := queue.client.rdb.HSet(ctx, claimsKey, job.RecipientID.String(), expired).Err(); err != nil {
		t.Fatalf("hset failed: %v", err)
	}

	if err := queue.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Active != 0 {
		t.Errorf("expected no active jobs after reclaim, got %d", stats.Active)
	}

	redelivered, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume after reclaim failed: %v", err)
	}
	if redelivered.RecipientID != job.RecipientID {
		t.Errorf("expected the abandoned job back, got %s", redelivered.RecipientID)
	}
}

func TestDispatchQueue_ReclaimUnclaimedActiveJob(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	job := testJob(uuid.New(), "stuck@example.com")
	if err := queue.Enqueue(ctx, []*Job{job}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Simulate a worker that died after the pop but before writing its
	// claim: the job sits in the active list with no claims entry.
	if _, err := queue.client.rdb.RPopLPush(ctx, waitKey, activeKey).Result(); err != nil {
		t.Fatalf("move to active failed: %v", err)
	}

	if err := queue.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Active != 0 {
		t.Fatalf("unclaimed active job must be requeued, got %d active", stats.Active)
	}

	redelivered, err := queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume after reclaim failed: %v", err)
	}
	if redelivered.RecipientID != job.RecipientID {
		t.Errorf("expected the stuck job back, got %s", redelivered.RecipientID)
	}
}

func TestDispatchQueue_ReclaimLeavesLiveClaims(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, []*Job{testJob(uuid.New(), "busy@example.com")}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if _, err := queue.Consume(ctx); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	if err := queue.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	stats, _ := queue.Stats(ctx)
	if stats.Active != 1 {
		t.Errorf("job within its visibility timeout must stay active, got %d", stats.Active)
	}
}

func TestDispatchQueue_ConsumeHonorsCancelledContext(t *testing.T) {
	queue, _, cleanup := setupTestQueue(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := queue.Consume(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
