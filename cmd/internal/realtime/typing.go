package realtime

import (
	"context"
	"strings"
)

// TypingStart relays a typing indicator to the rest of the room.
// Typing signals are never persisted and never replayed.
func (e *Engine) TypingStart(ctx context.Context, c *Client, conversationID string) error {
	return e.typing(ctx, "realtime.TypingStart", c, conversationID, true)
}

// TypingStop clears a typing indicator for the rest of the room.
func (e *Engine) TypingStop(ctx context.Context, c *Client, conversationID string) error {
	return e.typing(ctx, "realtime.TypingStop", c, conversationID, false)
}

func (e *Engine) typing(ctx context.Context, op string, c *Client, conversationID string, typing bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if c == nil || conversationID == "" {
		return opErr(op, ErrInvalidRequest, nil)
	}
	cmd := &typingCmd{reply: newReply(), client: c, conversationID: conversationID, typing: typing}
	if err := e.submit(ctx, cmd); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}
	if !cmd.present {
		return opErr(op, ErrAccessDenied, nil)
	}
	return nil
}
