package realtime

import (
	"context"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// ReplayPending pushes every message still in sent state for c.UserID to c as one
// pending_messages batch, then marks the batch delivered and tells each sender.
//
// Only sent rows are fetched, so a second call over the same backlog returns an
// empty batch. Rows stay sent if c's queue rejected the batch. Returns the batch.
func (e *Engine) ReplayPending(ctx context.Context, c *Client) ([]Message, error) {
	const op = "realtime.ReplayPending"

	if c == nil {
		return nil, opErr(op, ErrInvalidRequest, nil)
	}

	pending, err := e.messages.PendingMessages(ctx, c.UserID)
	if err != nil {
		return nil, opErr(op, ErrStoreUnavailable, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	now := e.now()
	batch := lo.Map(pending, func(m Message, _ int) Message {
		m.Status = StatusDelivered
		at := now
		m.DeliveredAt = &at
		return m
	})

	cmd := &deliverCmd{
		reply:  newReply(),
		client: c,
		env: newEnvelope(v1.TypePendingMessages, v1.PendingMessagesPayload{
			Messages: lo.Map(batch, func(m Message, _ int) v1.Message { return m.Wire() }),
		}, now),
	}
	if err := e.submit(ctx, cmd); err != nil {
		return nil, opErr(op, ErrEngineStopped, err)
	}
	if !cmd.ok {
		return nil, opErr(op, ErrBackpressure, nil)
	}

	ids := lo.Map(pending, func(m Message, _ int) string { return m.ID })
	transitioned, err := e.messages.MarkDelivered(ctx, ids, now)
	if err != nil {
		// Already pushed; the rows stay sent and are replayed again next connect.
		return batch, opErr(op, ErrStoreUnavailable, err)
	}
	e.metrics.ReplayedMessages.Add(float64(len(batch)))
	e.log.Info("engine.replay", "user_id", c.UserID, "session_id", c.SessionID, "messages", len(batch), "transitioned", len(transitioned))

	if len(transitioned) > 0 {
		e.relayDelivered(ctx, transitioned, c.UserID)
	}
	return batch, nil
}
