package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/db"
)

// Store is the recipient state the service records signals against.
type Store interface {
	RecipientByToken(ctx context.Context, token string) (*db.Recipient, error)
	RecordOpen(ctx context.Context, token string) (bool, time.Time, error)
	RecordAck(ctx context.Context, token string) (bool, time.Time, error)
}

// AckResult reports an acknowledgment attempt. A repeat ack is not an
// error; the caller is told it arrived second.
type AckResult struct {
	Success      bool      `json:"success"`
	AlreadyAcked bool      `json:"already_acked"`
	AckedAt      time.Time `json:"acked_at"`
}

// Service records open and ack signals. Neither path ever surfaces a
// token miss to the caller: an open is an image fetch nobody is
// watching, and an ack for an unknown token answers exactly like a
// repeat ack so the endpoint cannot be used to discover which tokens
// exist.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a tracking service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Resolve returns the recipient a token belongs to, or
// db.ErrTokenNotFound.
func (s *Service) Resolve(ctx context.Context, token string) (*db.Recipient, error) {
	return s.store.RecipientByToken(ctx, token)
}

// RecordOpen notes the first open for the token. Unknown tokens and
// storage failures are logged and swallowed; the pixel response must
// stay benign no matter what.
func (s *Service) RecordOpen(ctx context.Context, token string) {
	first, _, err := s.store.RecordOpen(ctx, token)
	switch {
	case errors.Is(err, db.ErrTokenNotFound):
		s.logger.Warn("open signal for unknown token")
	case err != nil:
		s.logger.Error("failed to record open", zap.Error(err))
	case first:
		s.logger.Info("recipient opened email")
	}
}

// RecordAck marks the token acknowledged. The first caller wins;
// later callers get AlreadyAcked with the original timestamp. Unknown
// tokens get the same AlreadyAcked answer, logged but never surfaced.
func (s *Service) RecordAck(ctx context.Context, token string) (*AckResult, error) {
	first, ackedAt, err := s.store.RecordAck(ctx, token)
	if errors.Is(err, db.ErrTokenNotFound) {
		s.logger.Warn("ack signal for unknown token")
		return &AckResult{Success: true, AlreadyAcked: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record ack: %w", err)
	}

	return &AckResult{
		Success:      true,
		AlreadyAcked: !first,
		AckedAt:      ackedAt,
	}, nil
}

var _ Store = (*db.Repository)(nil)
