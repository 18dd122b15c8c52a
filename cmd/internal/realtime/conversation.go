package realtime

import (
	"context"
	"strings"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"
)

// Join subscribes c to a conversation room after the membership store confirmed
// the user is a participant. The recent history window is delivered to c only,
// then the rest of the room learns about the new member.
//
// Joining a room the connection is already present in re-sends the history but
// does not announce again. If the history cannot be loaded a fresh join is
// undone, so a failed Join leaves the room as it was.
func (e *Engine) Join(ctx context.Context, c *Client, conversationID string) error {
	const op = "realtime.Join"

	conversationID = strings.TrimSpace(conversationID)
	if c == nil || conversationID == "" {
		return opErr(op, ErrInvalidRequest, nil)
	}

	ok, err := e.members.IsParticipant(ctx, c.UserID, conversationID)
	if err != nil {
		// Fail closed: a membership lookup that cannot be answered denies access.
		e.log.Warn("engine.join.acl_fail", "user_id", c.UserID, "conversation_id", conversationID, "err", err)
		return opErr(op, ErrAccessDenied, err)
	}
	if !ok {
		return opErr(op, ErrAccessDenied, nil)
	}

	join := &joinCmd{reply: newReply(), client: c, conversationID: conversationID}
	if err := e.submit(ctx, join); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}
	if join.closed {
		return opErr(op, ErrInvalidRequest, nil)
	}

	history, err := e.messages.RecentMessages(ctx, conversationID, e.cfg.HistoryLimit)
	if err != nil {
		e.log.Warn("engine.join.history_fail", "user_id", c.UserID, "conversation_id", conversationID, "err", err)
		if join.added {
			// Nobody was told about the join, so undo it without an announcement.
			undo := &leaveCmd{reply: newReply(), client: c, conversationID: conversationID, silent: true}
			if serr := e.submit(context.WithoutCancel(ctx), undo); serr != nil {
				e.log.Warn("engine.join.rollback_fail", "user_id", c.UserID, "conversation_id", conversationID, "err", serr)
			}
		}
		return opErr(op, ErrStoreUnavailable, err)
	}

	now := e.now()
	wire := make([]v1.Message, 0, len(history))
	for _, m := range history {
		wire = append(wire, m.Wire())
	}
	deliver := &deliverCmd{
		reply:  newReply(),
		client: c,
		env: newEnvelope(v1.TypeConversationMessages, v1.ConversationMessagesPayload{
			ConversationID: conversationID,
			Messages:       wire,
		}, now),
	}
	if err := e.submit(ctx, deliver); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}

	if join.added {
		announce := &announceCmd{
			reply:          newReply(),
			conversationID: conversationID,
			except:         c,
			env: newEnvelope(v1.TypeUserJoinedConversation, v1.RoomMemberPayload{
				ConversationID: conversationID,
				UserID:         c.UserID,
			}, now),
		}
		if err := e.submit(ctx, announce); err != nil {
			return opErr(op, ErrEngineStopped, err)
		}
	}

	e.log.Debug("engine.join", "user_id", c.UserID, "conversation_id", conversationID, "history", len(history), "added", join.added)
	return nil
}

// Leave unsubscribes c from a room and announces it to the remaining members.
// Leaving a room the connection is not present in is a no-op.
func (e *Engine) Leave(ctx context.Context, c *Client, conversationID string) error {
	const op = "realtime.Leave"

	conversationID = strings.TrimSpace(conversationID)
	if c == nil || conversationID == "" {
		return opErr(op, ErrInvalidRequest, nil)
	}

	cmd := &leaveCmd{reply: newReply(), client: c, conversationID: conversationID}
	if err := e.submit(ctx, cmd); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}
	if cmd.removed {
		e.log.Debug("engine.leave", "user_id", c.UserID, "conversation_id", conversationID)
	}
	return nil
}
