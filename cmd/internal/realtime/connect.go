package realtime

import (
	"context"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"
)

// Stats is a point-in-time view of the loop-owned state.
type Stats struct {
	Online int
	Rooms  int
}

// Connect registers an authenticated connection, announces the user online to
// every conversation partner (unless still announced from a previous connection)
// and replays messages that arrived while the user was away.
//
// Authentication happens before Connect; c.UserID is trusted.
func (e *Engine) Connect(ctx context.Context, c *Client) error {
	const op = "realtime.Connect"

	if c == nil || c.UserID == "" {
		return opErr(op, ErrInvalidRequest, nil)
	}

	reg := &registerCmd{reply: newReply(), client: c}
	if err := e.submit(ctx, reg); err != nil {
		return opErr(op, ErrEngineStopped, err)
	}
	if reg.replaced != nil {
		e.log.Info("engine.connect.replaced",
			"user_id", c.UserID,
			"session_id", c.SessionID,
			"replaced_session_id", reg.replaced.SessionID,
		)
	}
	e.log.Info("engine.connect", "user_id", c.UserID, "session_id", c.SessionID, "announce", reg.announce)

	if reg.announce {
		e.announcePresence(ctx, c.UserID, v1.StatusOnline, reg.epoch)
	}

	if _, err := e.ReplayPending(ctx, c); err != nil {
		e.log.Warn("engine.replay.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
	}
	return nil
}

// Disconnect removes c from every room it joined and, if c is still the user's
// registered handle, schedules the debounced offline announcement.
//
// ctx must outlive the transport request; the gateway passes a background-derived context.
func (e *Engine) Disconnect(ctx context.Context, c *Client) {
	if c == nil {
		return
	}
	cmd := &deregisterCmd{reply: newReply(), client: c}
	if err := e.submit(ctx, cmd); err != nil {
		e.log.Warn("engine.disconnect.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
		return
	}
	e.log.Info("engine.disconnect",
		"user_id", c.UserID,
		"session_id", c.SessionID,
		"rooms_left", len(cmd.left),
		"offline_scheduled", cmd.current,
	)
}

// fireOffline runs on the presence timer goroutine once the grace period elapsed.
func (e *Engine) fireOffline(ctx context.Context, userID string, token uint64) {
	due := &offlineDueCmd{reply: newReply(), userID: userID, token: token}
	if err := e.submit(ctx, due); err != nil {
		return
	}
	if !due.ok {
		e.log.Debug("presence.offline.cancelled", "user_id", userID)
		return
	}
	e.log.Info("presence.offline.fire", "user_id", userID)
	e.announcePresence(ctx, userID, v1.StatusOffline, due.epoch)
}

// announcePresence tells every online conversation partner of userID about a
// transition. The partner lookup is I/O, so the epoch is rechecked in the loop.
func (e *Engine) announcePresence(ctx context.Context, userID, status string, epoch uint64) {
	partners, err := e.members.Partners(ctx, userID)
	if err != nil {
		e.log.Warn("presence.partners.fail", "user_id", userID, "status", status, "err", err)
		partners = nil
	}

	cmd := &statusCmd{
		reply:    newReply(),
		userID:   userID,
		status:   status,
		epoch:    epoch,
		partners: partners,
		at:       e.now(),
	}
	if err := e.submit(ctx, cmd); err != nil {
		return
	}
	if cmd.stale {
		e.log.Debug("presence.announce.stale", "user_id", userID, "status", status)
		return
	}
	e.metrics.PresenceBroadcasts.WithLabelValues(status).Inc()
	e.log.Debug("presence.announce", "user_id", userID, "status", status, "partners", len(partners), "reached", cmd.reached)
}

// IsOnline reports whether userID has a registered live connection.
func (e *Engine) IsOnline(ctx context.Context, userID string) (bool, error) {
	cmd := &onlineCmd{reply: newReply(), userID: userID}
	if err := e.submit(ctx, cmd); err != nil {
		return false, err
	}
	return cmd.online, nil
}

// Stats returns the number of online users and active rooms.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	cmd := &statsCmd{reply: newReply()}
	if err := e.submit(ctx, cmd); err != nil {
		return Stats{}, err
	}
	return cmd.stats, nil
}
