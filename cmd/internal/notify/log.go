package notify

import (
	"context"
	"io"
	"log/slog"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/realtime"
)

// LogNotifier records offline notifications in the log and never fails.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier constructs a LogNotifier. A nil logger discards output.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogNotifier{log: log}
}

// Notify implements realtime.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, userIDs []string, msg realtime.Notification) error {
	for _, uid := range userIDs {
		n.log.InfoContext(ctx, "notify.offline",
			"user_id", uid,
			"title", msg.Title,
			"conversation_id", msg.Data["conversationId"],
			"message_id", msg.Data["messageId"],
		)
	}
	return nil
}
