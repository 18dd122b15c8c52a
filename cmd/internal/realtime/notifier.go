package realtime

import "context"

// Notification is the abstract payload of an offline push.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier delivers a notification to users without a live connection.
// It is fire-and-forget from the core's point of view: errors are logged, never surfaced.
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userIDs []string, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, userIDs []string, n Notification) error {
	return f(ctx, userIDs, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []string, Notification) error { return nil }
