package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"arbiter/internal/domain"
)

// Slack posts notifications to an operations channel. User-facing delivery
// (email/SMS) is an external collaborator; this adapter covers the ops-alert
// path and doubles as the reminder transport in small deployments.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier posting to the given channel.
func NewSlack(token, channel string, logger *slog.Logger) *Slack {
	return &Slack{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Send(ctx context.Context, n domain.Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(formatMessage(n), false))
	if err != nil {
		return domain.NewDomainError("Slack.Send", domain.ErrNotifySend, err.Error())
	}
	s.logger.Debug("notification posted", "user_id", n.UserID, "kind", string(n.Kind))
	return nil
}

func formatMessage(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] to %s", n.Kind, n.UserID)
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %s", k, n.Payload[k])
	}
	return b.String()
}
