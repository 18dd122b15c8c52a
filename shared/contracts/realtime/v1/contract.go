// Package v1 defines the ConnectGlobal realtime protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
// Event names mirror the socket events used by the mobile and web clients.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Client -> server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	// TypeMessageRead is used in both directions: a read request from the reader,
	// and the receipt relayed to the room.
	TypeMessageRead = "message_read"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// Server -> client event types.
const (
	TypeConversationMessages   = "conversation_messages"
	TypeNewMessage             = "new_message"
	TypeMessageDelivered       = "message_delivered"
	TypeUserTyping             = "user_typing"
	TypeUserStatus             = "user_status"
	TypeUserJoinedConversation = "user_joined_conversation"
	TypeUserLeftConversation   = "user_left_conversation"
	TypePendingMessages        = "pending_messages"
	TypeError                  = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
// Only client -> server types are accepted.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinConversation,
		TypeLeaveConversation,
		TypeSendMessage,
		TypeMessageRead,
		TypeTypingStart,
		TypeTypingStop:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
