package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// MarkRead records that readerID read a message and relays message_read to the
// conversation room and to the sender's live connection.
//
// A reader cannot acknowledge their own message. A message already read is a
// no-op and relays nothing.
func (e *Engine) MarkRead(ctx context.Context, c *Client, messageID string) error {
	const op = "realtime.MarkRead"

	messageID = strings.TrimSpace(messageID)
	if c == nil || messageID == "" {
		return opErr(op, ErrInvalidRequest, nil)
	}

	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return opErr(op, ErrMessageNotFound, nil)
		}
		return opErr(op, ErrStoreUnavailable, err)
	}
	if msg.SenderID == c.UserID {
		return opErr(op, ErrSelfReceipt, nil)
	}

	ok, err := e.members.IsParticipant(ctx, c.UserID, msg.ConversationID)
	if err != nil {
		return opErr(op, ErrAccessDenied, err)
	}
	if !ok {
		return opErr(op, ErrAccessDenied, nil)
	}

	transitioned, err := e.messages.MarkRead(ctx, []string{messageID}, e.now())
	if err != nil {
		return opErr(op, ErrStoreUnavailable, err)
	}
	if len(transitioned) == 0 {
		return nil
	}

	read := transitioned[0]
	readAt := e.now()
	if read.ReadAt != nil {
		readAt = *read.ReadAt
	}
	cmd := &relayCmd{
		reply:          newReply(),
		conversationID: read.ConversationID,
		users:          []string{read.SenderID},
		env: newEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
			MessageID:      read.ID,
			ConversationID: read.ConversationID,
			ReaderID:       c.UserID,
			ReadAt:         readAt,
		}, readAt),
	}
	if err := e.submit(ctx, cmd); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}
	e.metrics.Receipts.WithLabelValues("read").Inc()
	return nil
}

type deliveryKey struct {
	SenderID       string
	ConversationID string
}

// relayDelivered sends one message_delivered per (sender, conversation) to the
// sender's live connection. Messages must already have transitioned.
func (e *Engine) relayDelivered(ctx context.Context, delivered []Message, recipientID string) {
	groups := lo.GroupBy(delivered, func(m Message) deliveryKey {
		return deliveryKey{SenderID: m.SenderID, ConversationID: m.ConversationID}
	})
	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SenderID != keys[j].SenderID {
			return keys[i].SenderID < keys[j].SenderID
		}
		return keys[i].ConversationID < keys[j].ConversationID
	})

	for _, k := range keys {
		msgs := groups[k]
		at := e.now()
		if last := msgs[len(msgs)-1]; last.DeliveredAt != nil {
			at = *last.DeliveredAt
		}
		cmd := &relayCmd{
			reply: newReply(),
			users: []string{k.SenderID},
			env: newEnvelope(v1.TypeMessageDelivered, v1.MessageDeliveredPayload{
				ConversationID: k.ConversationID,
				MessageIDs:     lo.Map(msgs, func(m Message, _ int) string { return m.ID }),
				RecipientID:    recipientID,
				DeliveredAt:    at,
			}, at),
		}
		if err := e.submit(ctx, cmd); err != nil {
			e.log.Warn("engine.delivered.relay_fail", "sender_id", k.SenderID, "conversation_id", k.ConversationID, "err", err)
			return
		}
		e.metrics.Receipts.WithLabelValues("delivered").Add(float64(len(msgs)))
	}
}
