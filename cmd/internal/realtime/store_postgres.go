// Package realtime contains the ConnectGlobal presence and message-delivery core:
// connection registry, conversation rooms, presence broadcasting, message dispatch,
// delivery/read tracking, typing relay, offline replay, and the websocket gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Status monotonicity is enforced in SQL: every transition is a conditional
// UPDATE filtered on the statuses it is allowed to leave.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "connectglobal").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, conversation_id, sender_id, content, message_type, media_url, delivery_status, created_at, delivered_at, read_at`

// CreateMessage inserts a message with status sent.
func (s *PostgresStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" || in.SenderID == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	typ := in.Type
	if typ == "" {
		typ = MessageText
	}

	messages := pgIdent(s.schema, "messages")

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, sender_id, content, message_type, media_url, delivery_status, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, 'sent', $7)
		 RETURNING `+messageColumns,
		NewID(now), in.ConversationID, in.SenderID, in.Content, string(typ), in.MediaURL, now,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage loads a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

// RecentMessages returns the newest limit messages of a conversation, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+`
		       FROM `+messages+`
		      WHERE conversation_id = $1
		      ORDER BY created_at DESC, id DESC
		      LIMIT $2
		   ) recent
		  ORDER BY created_at ASC, id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// PendingMessages returns sent-status messages addressed to userID, oldest first.
func (s *PostgresStore) PendingMessages(ctx context.Context, userID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	messages := pgIdent(s.schema, "messages")
	participants := pgIdent(s.schema, "conversation_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.message_type, m.media_url,
		        m.delivery_status, m.created_at, m.delivered_at, m.read_at
		   FROM `+messages+` m
		   JOIN `+participants+` p
		     ON p.conversation_id = m.conversation_id AND p.user_id = $1
		  WHERE m.sender_id <> $1 AND m.delivery_status = 'sent'
		  ORDER BY m.created_at ASC, m.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MarkDelivered moves sent messages to delivered.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+`
		    SET delivery_status = 'delivered',
		        delivered_at = $2
		  WHERE id = ANY($1) AND delivery_status = 'sent'
		RETURNING `+messageColumns,
		messageIDs, at,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// MarkRead moves sent or delivered messages to read.
func (s *PostgresStore) MarkRead(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+`
		    SET delivery_status = 'read',
		        delivered_at = COALESCE(delivered_at, $2),
		        read_at = $2
		  WHERE id = ANY($1) AND delivery_status IN ('sent', 'delivered')
		RETURNING `+messageColumns,
		messageIDs, at,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// TouchConversation updates the conversation's last_message_at.
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	conversations := pgIdent(s.schema, "conversations")
	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_at = $2 WHERE id = $1`,
		conversationID, at,
	)
	return err
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		typ      string
		status   string
		mediaURL *string
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Content,
		&typ,
		&mediaURL,
		&status,
		&m.CreatedAt,
		&m.DeliveredAt,
		&m.ReadAt,
	); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	m.Status = DeliveryStatus(status)
	if mediaURL != nil {
		m.MediaURL = *mediaURL
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const defaultSchema = "connectglobal"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("realtime: empty schema")
	}
	if !pgIdentRE.MatchString(schema) {
		return "", errors.New("realtime: invalid schema identifier")
	}
	return schema, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
