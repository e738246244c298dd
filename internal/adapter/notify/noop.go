// Package notify contains delivery adapters for the external notification
// collaborator. Delivery is best-effort by contract: adapters report errors,
// callers log and continue.
package notify

import (
	"context"
	"log/slog"

	"arbiter/internal/domain"
)

// Noop discards notifications. Default in development and tests.
type Noop struct {
	logger *slog.Logger
}

// NewNoop creates a discarding notifier.
func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger}
}

func (n *Noop) Send(_ context.Context, notif domain.Notification) error {
	n.logger.Debug("notification dropped (noop notifier)",
		"user_id", notif.UserID, "kind", string(notif.Kind))
	return nil
}
