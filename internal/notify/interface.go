package notify

import "context"

// Notifier defines the interface for sending notifications to an
// external channel (Slack, Discord). Manager is the only implementation.
// Bridge holds the concrete *Manager, and no code in this module depends
// on the interface itself.
type Notifier interface {
	Start(ctx context.Context)
	Notify(ctx context.Context, eventType, message string) error
}
