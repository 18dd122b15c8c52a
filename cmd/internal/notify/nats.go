package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/realtime"
)

// DefaultSubjectPrefix is the subject root used when none is configured.
const DefaultSubjectPrefix = "notify.offline"

// Message is the JSON body published for each recipient.
type Message struct {
	UserID string            `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	SentAt time.Time         `json:"sentAt"`
}

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes offline notifications to NATS.
type NATSNotifier struct {
	log    *slog.Logger
	pub    publisher
	prefix string
	now    func() time.Time
}

// NATSConfig configures DialNATS.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ConnectWait   time.Duration
}

// DialNATS connects to cfg.URL and returns a notifier publishing on that
// connection, plus the connection so the caller can drain it on shutdown.
func DialNATS(log *slog.Logger, cfg NATSConfig) (*NATSNotifier, *nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, errors.New("notify: nats url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "connectglobal-realtime"
	}
	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if log != nil && err != nil {
				log.Warn("notify.nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if log != nil {
				log.Info("notify.nats.reconnected", "url", c.ConnectedUrl())
			}
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return NewNATSNotifier(log, nc, cfg.SubjectPrefix), nc, nil
}

// NewNATSNotifier wraps an existing publisher (usually *nats.Conn).
func NewNATSNotifier(log *slog.Logger, pub publisher, prefix string) *NATSNotifier {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{
		log:    log,
		pub:    pub,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subject returns the subject a notification for userID is published on.
func (n *NATSNotifier) Subject(userID string) string {
	return n.prefix + "." + userID
}

// Notify implements realtime.Notifier. Every recipient is attempted; the
// returned error joins the individual publish failures.
func (n *NATSNotifier) Notify(ctx context.Context, userIDs []string, msg realtime.Notification) error {
	var errs []error
	sentAt := n.now()
	for _, uid := range userIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !validSubjectToken(uid) {
			errs = append(errs, fmt.Errorf("notify: user id %q is not a valid subject token", uid))
			continue
		}

		b, err := json.Marshal(Message{
			UserID: uid,
			Title:  msg.Title,
			Body:   msg.Body,
			Data:   msg.Data,
			SentAt: sentAt,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.pub.Publish(n.Subject(uid), b); err != nil {
			n.log.Warn("notify.nats.publish_fail", "user_id", uid, "err", err)
			errs = append(errs, fmt.Errorf("notify: publish %s: %w", uid, err))
			continue
		}
		n.log.Debug("notify.nats.publish", "user_id", uid, "message_id", msg.Data["messageId"])
	}
	return errors.Join(errs...)
}

// Subject tokens cannot be empty or contain separators and wildcards.
func validSubjectToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ". *>\t\r\n")
}
