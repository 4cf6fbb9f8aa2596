// Package worker consumes the dispatch queue and delivers campaign
// emails, one recipient per job.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrPermanent marks a send failure that no retry can fix, such as a
// malformed message or an address the provider rejects outright.
var ErrPermanent = errors.New("permanent send failure")

// Message is one fully rendered email ready for transport.
type Message struct {
	FromEmail string
	FromName  string
	To        string
	Subject   string
	HTML      string
}

// Validate checks the fields no transport can do without.
func (m *Message) Validate() error {
	switch {
	case m.FromEmail == "":
		return fmt.Errorf("message missing from address")
	case m.To == "":
		return fmt.Errorf("message missing recipient address")
	case m.Subject == "":
		return fmt.Errorf("message missing subject")
	}
	return nil
}

// MailboxSender delivers a rendered message. Implementations decide
// whether an error is worth retrying by wrapping ErrPermanent.
type MailboxSender interface {
	Send(ctx context.Context, msg *Message) error
}

// LogSender is the development transport: it logs instead of sending.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.logger.Info("email send (log transport)",
		zap.String("to", msg.To),
		zap.String("from", msg.FromEmail),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTML)),
	)
	return nil
}
