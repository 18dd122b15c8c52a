package realtime

import (
	"context"
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"
)

// DeliveryStatus is the per-message delivery state. Transitions are monotonic:
// sent -> delivered -> read, and sent -> read directly.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return next.rank() > s.rank() && s.rank() > 0
}

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageGIF   MessageType = "gif"
)

// Message is the canonical persisted message representation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	MediaURL       string
	Status         DeliveryStatus
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// Wire converts m to its protocol representation.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    string(m.Type),
		MediaURL:       m.MediaURL,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}
}

// NewMessage describes a message create request. Status always starts at sent.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	MediaURL       string
	Now            time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - MarkDelivered / MarkRead are conditional updates that never move a status backwards.
//     They return only the rows that actually transitioned.
//   - PendingMessages returns messages addressed to userID (sent by someone else in a
//     conversation userID participates in) whose status is still sent, oldest first.
//   - RecentMessages returns the newest `limit` messages of a conversation, oldest first.
type MessageStore interface {
	CreateMessage(ctx context.Context, in NewMessage) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	PendingMessages(ctx context.Context, userID string) ([]Message, error)
	MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error)
	MarkRead(ctx context.Context, messageIDs []string, at time.Time) ([]Message, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	Close() error
}
