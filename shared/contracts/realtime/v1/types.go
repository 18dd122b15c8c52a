package v1

import "time"

// ---- client -> server payloads ----

// ConversationRefPayload addresses a conversation (join, leave, typing start/stop).
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
}

// MessageReadRequestPayload marks a message as read by the current user.
type MessageReadRequestPayload struct {
	MessageID string `json:"messageId"`
}

// ---- server -> client payloads ----

// Message is the wire representation of a persisted message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	MessageType    string     `json:"messageType"`
	MediaURL       string     `json:"mediaUrl,omitempty"`
	Status         string     `json:"deliveryStatus"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// ConversationMessagesPayload carries the recent history window sent to a joining connection.
type ConversationMessagesPayload struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// MessageReadPayload is the receipt relayed after a successful read transition.
type MessageReadPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// MessageDeliveredPayload tells a sender that messages reached the recipient.
type MessageDeliveredPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	RecipientID    string    `json:"recipientId,omitempty"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// UserTypingPayload is the ephemeral typing signal.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Presence statuses carried by UserStatusPayload.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserStatusPayload announces a presence transition.
type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// RoomMemberPayload announces a join or leave of a conversation room.
type RoomMemberPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// PendingMessagesPayload is the offline replay batch.
type PendingMessagesPayload struct {
	Messages []Message `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
