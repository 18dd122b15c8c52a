package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// SendInput is a validated send_message request.
type SendInput struct {
	ConversationID string      `validate:"required,max=128"`
	Content        string      `validate:"max=4000"`
	Type           MessageType `validate:"oneof=text image video audio gif"`
	MediaURL       string      `validate:"omitempty,url,max=2048"`
}

// SendInputFromWire normalizes a send_message payload.
func SendInputFromWire(p v1.SendMessagePayload) SendInput {
	typ := MessageType(strings.ToLower(strings.TrimSpace(p.MessageType)))
	if typ == "" {
		typ = MessageText
	}
	return SendInput{
		ConversationID: strings.TrimSpace(p.ConversationID),
		Content:        p.Content,
		Type:           typ,
		MediaURL:       strings.TrimSpace(p.MediaURL),
	}
}

func (e *Engine) validateSend(in SendInput) error {
	if err := e.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return sendFieldError(verrs[0])
		}
		return err
	}
	if in.Type == MessageText && strings.TrimSpace(in.Content) == "" {
		return errors.New("content is required")
	}
	if in.Type != MessageText && in.MediaURL == "" {
		return fmt.Errorf("mediaUrl is required for %s messages", in.Type)
	}
	return nil
}

func sendFieldError(fe validator.FieldError) error {
	switch fe.Field() {
	case "ConversationID":
		return errors.New("conversationId is required")
	case "Content":
		return fmt.Errorf("content exceeds %d characters", maxMessageChars)
	case "Type":
		return fmt.Errorf("unsupported messageType %q", fe.Value())
	case "MediaURL":
		return errors.New("mediaUrl must be a valid URL")
	default:
		return fmt.Errorf("invalid %s", fe.Field())
	}
}

// Send persists a message and fans it out to the room.
//
// The sender must be present in the room. Nothing is broadcast unless the write
// succeeded. The room is snapshotted when the broadcast runs, after persistence
// returned, so a member who left meanwhile is not reached and one who joined is.
// Participants without a live connection are notified in the background;
// notifier errors are logged only. When every recipient was reached live the
// message is marked delivered and the sender receives one message_delivered
// per recipient.
func (e *Engine) Send(ctx context.Context, c *Client, in SendInput) (Message, error) {
	const op = "realtime.Send"

	if c == nil {
		return Message{}, opErr(op, ErrInvalidRequest, nil)
	}
	if err := e.validateSend(in); err != nil {
		return Message{}, opErr(op, ErrInvalidMessage, err)
	}

	present := &presentCmd{reply: newReply(), client: c, conversationID: in.ConversationID}
	if err := e.submit(ctx, present); err != nil {
		return Message{}, opErr(op, ErrEngineStopped, err)
	}
	if !present.present {
		return Message{}, opErr(op, ErrAccessDenied, nil)
	}

	// Resolved before the write so a failed lookup leaves nothing behind.
	participants, err := e.members.Participants(ctx, in.ConversationID)
	if err != nil {
		e.log.Warn("engine.send.participants_fail", "user_id", c.UserID, "conversation_id", in.ConversationID, "err", err)
		return Message{}, opErr(op, ErrStoreUnavailable, err)
	}

	msg, err := e.messages.CreateMessage(ctx, NewMessage{
		ConversationID: in.ConversationID,
		SenderID:       c.UserID,
		Content:        in.Content,
		Type:           in.Type,
		MediaURL:       in.MediaURL,
		Now:            e.now(),
	})
	if err != nil {
		e.metrics.PersistFailures.Inc()
		e.log.Error("engine.send.persist_fail", "user_id", c.UserID, "conversation_id", in.ConversationID, "err", err)
		return Message{}, opErr(op, ErrPersistenceFailed, err)
	}

	bc := &broadcastMessageCmd{
		reply:          newReply(),
		conversationID: in.ConversationID,
		sender:         c,
		participants:   participants,
		env:            newEnvelope(v1.TypeNewMessage, msg.Wire(), msg.CreatedAt),
	}
	if err := e.submit(ctx, bc); err != nil {
		// Persisted but not broadcast; offline replay picks it up.
		e.log.Warn("engine.send.broadcast_fail", "message_id", msg.ID, "err", err)
		return msg, nil
	}
	e.metrics.MessagesSent.Inc()
	e.log.Debug("engine.send",
		"user_id", c.UserID,
		"conversation_id", in.ConversationID,
		"message_id", msg.ID,
		"reached", len(bc.reached),
		"offline", len(bc.offline),
	)

	if len(bc.offline) > 0 {
		e.notifyOffline(ctx, bc.offline, msg)
	}

	recipients := lo.Without(participants, c.UserID)
	if len(recipients) > 0 && lo.Every(bc.reached, recipients) {
		transitioned, err := e.messages.MarkDelivered(ctx, []string{msg.ID}, e.now())
		if err != nil {
			e.log.Warn("engine.send.mark_delivered_fail", "message_id", msg.ID, "err", err)
		} else if len(transitioned) > 0 {
			msg = transitioned[0]
			for _, r := range recipients {
				e.relayDelivered(ctx, transitioned, r)
			}
		}
	}

	if err := e.messages.TouchConversation(ctx, in.ConversationID, msg.CreatedAt); err != nil {
		e.log.Warn("engine.send.touch_fail", "conversation_id", in.ConversationID, "err", err)
	}
	return msg, nil
}

// notifyOffline hands the push to the notifier without holding up the sender.
// The call is detached from ctx and bounded by NotifyTimeout.
func (e *Engine) notifyOffline(ctx context.Context, userIDs []string, msg Message) {
	n := Notification{
		Title: "New message",
		Body:  e.preview(msg),
		Data: map[string]string{
			"type":           v1.TypeNewMessage,
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
		},
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
	e.notifying.Add(1)
	go func() {
		defer e.notifying.Done()
		defer cancel()

		if err := e.notifier.Notify(nctx, userIDs, n); err != nil {
			e.metrics.Notifications.WithLabelValues("error").Inc()
			e.log.Warn("engine.send.notify_fail",
				"message_id", msg.ID,
				"recipients", len(userIDs),
				"err", opErr("realtime.Notify", ErrNotificationFailed, err),
			)
			return
		}
		e.metrics.Notifications.WithLabelValues("ok").Inc()
	}()
}

// preview renders the notification body of msg.
func (e *Engine) preview(msg Message) string {
	switch msg.Type {
	case MessageImage:
		return "Sent a photo"
	case MessageVideo:
		return "Sent a video"
	case MessageAudio:
		return "Sent a voice message"
	case MessageGIF:
		return "Sent a GIF"
	}
	return truncateRunes(msg.Content, e.cfg.PreviewChars)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
