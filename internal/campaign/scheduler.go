package campaign

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/db"
)

// schedulerBatchSize caps how many due campaigns one tick promotes.
// The rest are picked up next tick.
const schedulerBatchSize = 50

// Scheduler promotes SCHEDULED campaigns to QUEUED once their send
// time arrives. Multiple gateway replicas may run it concurrently;
// the promotion compare-and-set makes sure only one wins per campaign.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler with the given polling interval.
func NewScheduler(service *Service, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Run polls for due campaigns until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.service.repo.DueScheduledCampaigns(ctx, schedulerBatchSize)
	if err != nil {
		s.logger.Error("failed to list due campaigns", zap.Error(err))
		return
	}

	for _, c := range due {
		if err := s.promote(ctx, c); err != nil {
			s.logger.Error("failed to promote campaign",
				zap.Error(err),
				zap.String("campaign_id", c.ID.String()),
			)
		}
	}
}

// promote flips one due campaign to QUEUED and queues its pending
// recipients. A lost compare-and-set means another replica promoted
// it, or an operator stopped it; either way there is nothing to do.
func (s *Scheduler) promote(ctx context.Context, c *db.Campaign) error {
	ok, err := s.service.repo.TransitionCampaign(ctx, c.ID, promoteFrom, db.CampaignQueued)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.logger.Info("scheduled campaign promoted",
		zap.String("campaign_id", c.ID.String()),
		zap.String("name", c.Name),
	)

	_, err = s.service.dispatchPending(ctx, c.ID)
	return err
}
