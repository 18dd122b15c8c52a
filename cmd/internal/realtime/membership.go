package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipStore is the authorization boundary for conversations.
// Participant sets are owned by the matching subsystem; the core only reads them.
type MembershipStore interface {
	// IsParticipant returns true if userID is a participant of conversationID.
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)

	// Participants returns every participant of conversationID.
	Participants(ctx context.Context, conversationID string) ([]string, error)

	// Partners returns every user sharing at least one conversation with userID (excluding userID).
	Partners(ctx context.Context, userID string) ([]string, error)
}

// PostgresMembershipStore reads participants from conversation_participants.
type PostgresMembershipStore struct {
	pool   *pgxpool.Pool
	schema string
}

// MembershipOption configures PostgresMembershipStore behavior.
type MembershipOption func(*PostgresMembershipStore) error

// WithMembershipSchema sets the DB schema used by the membership store.
func WithMembershipSchema(schema string) MembershipOption {
	return func(s *PostgresMembershipStore) error {
		schema, err := validSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresMembershipStore constructs a membership store backed by PostgreSQL.
func NewPostgresMembershipStore(pool *pgxpool.Pool, opts ...MembershipOption) (*PostgresMembershipStore, error) {
	st := &PostgresMembershipStore{
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

// IsParticipant checks if userID participates in conversationID.
func (s *PostgresMembershipStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}

	participants := pgIdent(s.schema, "conversation_participants")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+participants+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Participants lists every participant of conversationID.
func (s *PostgresMembershipStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	participants := pgIdent(s.schema, "conversation_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+participants+` WHERE conversation_id = $1 ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Partners lists every user sharing a conversation with userID.
func (s *PostgresMembershipStore) Partners(ctx context.Context, userID string) ([]string, error) {
	participants := pgIdent(s.schema, "conversation_participants")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT other.user_id
		   FROM `+participants+` me
		   JOIN `+participants+` other
		     ON other.conversation_id = me.conversation_id
		  WHERE me.user_id = $1 AND other.user_id <> $1
		  ORDER BY other.user_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
