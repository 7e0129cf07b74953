// Package notify delivers admin verification codes out of band.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Notifier delivers a verification code for email, valid until expiresAt.
type Notifier interface {
	Deliver(ctx context.Context, email, code string, expiresAt time.Time) error
}

// LogNotifier writes the code to the application log.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, email, code string, expiresAt time.Time) error {
	logCode(email, code, expiresAt)
	return nil
}

func logCode(email, code string, expiresAt time.Time) {
	slog.Info("admin verification code", "email", email, "code", code, "expires_at", expiresAt.Format(time.RFC3339))
}

// Chain logs every code and then tries each channel in order until one
// succeeds. Channel failures are logged, never returned: the log line is
// always a usable delivery.
type Chain struct {
	channels []Notifier
}

func NewChain(channels ...Notifier) *Chain {
	return &Chain{channels: channels}
}

func (c *Chain) Deliver(ctx context.Context, email, code string, expiresAt time.Time) error {
	logCode(email, code, expiresAt)

	for i, ch := range c.channels {
		if err := ch.Deliver(ctx, email, code, expiresAt); err != nil {
			slog.Warn("verification code delivery failed", "channel", i, "error", err)
			continue
		}
		slog.Debug("verification code delivered", "channel", i)
		return nil
	}
	if len(c.channels) > 0 {
		slog.Warn("no channel delivered the verification code; it is only in the log")
	}
	return nil
}
