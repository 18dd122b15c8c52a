package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements both MessageStore and MembershipStore.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	byID  map[string]*Message
}

type memConv struct {
	participants map[string]struct{}
	msgs         []*Message // ordered by creation
	lastActivity time.Time
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		byID:  make(map[string]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AddConversation creates (or extends) a conversation with the given participants.
func (s *InMemoryStore) AddConversation(conversationID string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(conversationID)
	for _, p := range participants {
		if p = strings.TrimSpace(p); p != "" {
			c.participants[p] = struct{}{}
		}
	}
}

func (s *InMemoryStore) convLocked(id string) *memConv {
	c := s.convs[id]
	if c == nil {
		c = &memConv{participants: make(map[string]struct{})}
		s.convs[id] = c
	}
	return c
}

// CreateMessage persists a message with status sent.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Message{}, errors.New("conversation not found")
	}

	m := &Message{
		ID:             NewID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           typ,
		MediaURL:       in.MediaURL,
		Status:         StatusSent,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, m)
	s.byID[m.ID] = m

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerConversation] {
			delete(s.byID, old.ID)
		}
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return *m, nil
}

// GetMessage loads a message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return *m, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *InMemoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil || len(c.msgs) == 0 {
		return nil, nil
	}
	start := max(len(c.msgs)-limit, 0)
	return copyMessages(c.msgs[start:]), nil
}

// PendingMessages returns sent-status messages addressed to userID, oldest first.
func (s *InMemoryStore) PendingMessages(ctx context.Context, userID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, c := range s.convs {
		if _, ok := c.participants[userID]; !ok {
			continue
		}
		out = append(out, lo.Filter(c.msgs, func(m *Message, _ int) bool {
			return m.SenderID != userID && m.Status == StatusSent
		})...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return copyMessages(out), nil
}

// MarkDelivered moves sent messages to delivered and returns the transitioned rows.
func (s *InMemoryStore) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error) {
	return s.advance(ctx, messageIDs, StatusDelivered, at)
}

// MarkRead moves sent or delivered messages to read and returns the transitioned rows.
func (s *InMemoryStore) MarkRead(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error) {
	return s.advance(ctx, messageIDs, StatusRead, at)
}

func (s *InMemoryStore) advance(ctx context.Context, messageIDs []string, next DeliveryStatus, at time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, id := range lo.Uniq(messageIDs) {
		m, ok := s.byID[id]
		if !ok || !m.Status.CanAdvanceTo(next) {
			continue
		}
		ts := at
		m.Status = next
		if m.DeliveredAt == nil {
			m.DeliveredAt = &ts
		}
		if next == StatusRead {
			m.ReadAt = &ts
		}
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// TouchConversation records the last activity time of a conversation.
func (s *InMemoryStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return errors.New("conversation not found")
	}
	c.lastActivity = at
	return nil
}

// LastActivity returns the last recorded activity time of a conversation.
func (s *InMemoryStore) LastActivity(conversationID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[conversationID]; c != nil {
		return c.lastActivity
	}
	return time.Time{}
}

// IsParticipant implements MembershipStore.
func (s *InMemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return false, nil
	}
	_, ok := c.participants[userID]
	return ok, nil
}

// Participants implements MembershipStore.
func (s *InMemoryStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil, nil
	}
	out := lo.Keys(c.participants)
	sort.Strings(out)
	return out, nil
}

// Partners implements MembershipStore.
func (s *InMemoryStore) Partners(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, c := range s.convs {
		if _, ok := c.participants[userID]; !ok {
			continue
		}
		for p := range c.participants {
			if p != userID {
				seen[p] = struct{}{}
			}
		}
	}
	out := lo.Keys(seen)
	sort.Strings(out)
	return out, nil
}

func cloneMessage(m *Message) Message {
	out := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return out
}

func copyMessages(in []*Message) []Message {
	return lo.Map(in, func(m *Message, _ int) Message { return cloneMessage(m) })
}
