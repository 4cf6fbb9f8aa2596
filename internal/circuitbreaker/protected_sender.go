package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/worker"
)

// ProtectedSender wraps a MailboxSender with a CircuitBreaker. When
// the email provider starts failing, the circuit opens and sends fail
// fast; the worker treats the rejection as a transient failure and
// the job lands back in the retry schedule.
type ProtectedSender struct {
	sender  worker.MailboxSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender worker.MailboxSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. If the circuit
// is open it returns ErrCircuitOpen without touching the provider.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("to", msg.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}

var _ worker.MailboxSender = (*ProtectedSender)(nil)
