package domain

import "context"

// NotificationKind selects the template the delivery layer renders.
type NotificationKind string

const (
	NotifyDeadlineReminder NotificationKind = "deadline_reminder"
	NotifyCaseAdvanced     NotificationKind = "case_advanced"
	NotifyOpsAlert         NotificationKind = "ops_alert"
)

// Notification is one message for one recipient.
type Notification struct {
	UserID  string            `json:"user_id"`
	Kind    NotificationKind  `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Notifier is the external delivery collaborator. Sends are best-effort:
// failures are logged and reported, never allowed to fail the business
// operation that triggered them.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}
