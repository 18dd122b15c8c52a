package realtime

import (
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"
)

// command is one unit of work for the dispatch loop. exec runs on the loop
// goroutine and must not block or perform I/O; results are written into the
// command before finish is called.
type command interface {
	exec(l *loop)
	finish()
	wait() <-chan struct{}
}

type reply struct{ done chan struct{} }

func newReply() reply                 { return reply{done: make(chan struct{})} }
func (r reply) finish()               { close(r.done) }
func (r reply) wait() <-chan struct{} { return r.done }

// ---- connection registry ----

type registerCmd struct {
	reply
	client *Client

	replaced *Client
	announce bool
	epoch    uint64
}

func (c *registerCmd) exec(l *loop) {
	c.replaced = l.conns.Register(c.client)
	c.announce, c.epoch = l.presence.Online(c.client.UserID)
}

type deregisterCmd struct {
	reply
	client *Client

	left    []string
	current bool
}

func (c *deregisterCmd) exec(l *loop) {
	now := l.engine.now()
	c.left = l.rooms.LeaveAll(c.client)
	for _, convID := range c.left {
		l.broadcast(convID, c.client, newEnvelope(v1.TypeUserLeftConversation, v1.RoomMemberPayload{
			ConversationID: convID,
			UserID:         c.client.UserID,
		}, now))
	}

	c.current = l.conns.Deregister(c.client)
	if !c.current {
		return
	}

	userID := c.client.UserID
	ctx, e := l.ctx, l.engine
	l.presence.ScheduleOffline(userID, func(token uint64) {
		e.fireOffline(ctx, userID, token)
	})
}

type onlineCmd struct {
	reply
	userID string

	online bool
}

func (c *onlineCmd) exec(l *loop) { c.online = l.conns.IsOnline(c.userID) }

type statsCmd struct {
	reply
	stats Stats
}

func (c *statsCmd) exec(l *loop) {
	c.stats = Stats{Online: l.conns.Len(), Rooms: l.rooms.Len()}
}

// ---- presence ----

type offlineDueCmd struct {
	reply
	userID string
	token  uint64

	epoch uint64
	ok    bool
}

func (c *offlineDueCmd) exec(l *loop) {
	c.epoch, c.ok = l.presence.OfflineDue(c.userID, c.token)
}

type statusCmd struct {
	reply
	userID   string
	status   string
	epoch    uint64
	partners []string
	at       time.Time

	stale   bool
	reached int
}

func (c *statusCmd) exec(l *loop) {
	if !l.presence.Current(c.userID, c.epoch) {
		c.stale = true
		return
	}
	env := newEnvelope(v1.TypeUserStatus, v1.UserStatusPayload{
		UserID:   c.userID,
		Status:   c.status,
		LastSeen: c.at,
	}, c.at)
	for _, p := range c.partners {
		if h, ok := l.conns.HandleFor(p); ok && l.deliver(h, env) {
			c.reached++
		}
	}
	if c.status == v1.StatusOffline {
		l.presence.Settle(c.userID, c.epoch)
	}
}

// ---- rooms ----

type joinCmd struct {
	reply
	client         *Client
	conversationID string

	added  bool
	closed bool
}

func (c *joinCmd) exec(l *loop) {
	select {
	case <-c.client.Done():
		c.closed = true
		return
	default:
	}
	c.added = l.rooms.Join(c.conversationID, c.client)
}

type leaveCmd struct {
	reply
	client         *Client
	conversationID string
	silent         bool // skip user_left_conversation

	removed bool
}

func (c *leaveCmd) exec(l *loop) {
	c.removed = l.rooms.Leave(c.conversationID, c.client)
	if !c.removed || c.silent {
		return
	}
	l.broadcast(c.conversationID, c.client, newEnvelope(v1.TypeUserLeftConversation, v1.RoomMemberPayload{
		ConversationID: c.conversationID,
		UserID:         c.client.UserID,
	}, l.engine.now()))
}

type presentCmd struct {
	reply
	client         *Client
	conversationID string

	present bool
}

func (c *presentCmd) exec(l *loop) {
	c.present = l.rooms.IsPresent(c.conversationID, c.client)
}

// announceCmd broadcasts env to the room except one connection.
type announceCmd struct {
	reply
	conversationID string
	except         *Client
	env            v1.Envelope
}

func (c *announceCmd) exec(l *loop) {
	l.broadcast(c.conversationID, c.except, c.env)
}

// deliverCmd enqueues env to a single connection through the loop, so it is
// ordered with every broadcast that connection receives.
type deliverCmd struct {
	reply
	client *Client
	env    v1.Envelope

	ok bool
}

func (c *deliverCmd) exec(l *loop) { c.ok = l.deliver(c.client, c.env) }

// ---- messages ----

// broadcastMessageCmd fans a persisted message out to the room as it is at
// execution time, and reports which participants were reached or are offline.
type broadcastMessageCmd struct {
	reply
	conversationID string
	sender         *Client
	participants   []string
	env            v1.Envelope

	reached []string // user ids (excluding the sender) whose queue accepted the message
	offline []string // participants (excluding the sender) without a live connection
}

func (c *broadcastMessageCmd) exec(l *loop) {
	seen := make(map[string]struct{})
	for _, m := range l.rooms.Snapshot(c.conversationID) {
		if !l.deliver(m, c.env) || m.UserID == c.sender.UserID {
			continue
		}
		if _, dup := seen[m.UserID]; !dup {
			seen[m.UserID] = struct{}{}
			c.reached = append(c.reached, m.UserID)
		}
	}
	for _, p := range c.participants {
		if p != c.sender.UserID && !l.conns.IsOnline(p) {
			c.offline = append(c.offline, p)
		}
	}
}

// relayCmd delivers env to a room (optional) and to the live connection of each user,
// at most once per connection.
type relayCmd struct {
	reply
	conversationID string
	users          []string
	env            v1.Envelope

	reached int
}

func (c *relayCmd) exec(l *loop) {
	seen := make(map[string]struct{})
	if c.conversationID != "" {
		for _, m := range l.rooms.Snapshot(c.conversationID) {
			seen[m.SessionID] = struct{}{}
			if l.deliver(m, c.env) {
				c.reached++
			}
		}
	}
	for _, u := range c.users {
		h, ok := l.conns.HandleFor(u)
		if !ok {
			continue
		}
		if _, dup := seen[h.SessionID]; dup {
			continue
		}
		seen[h.SessionID] = struct{}{}
		if l.deliver(h, c.env) {
			c.reached++
		}
	}
}

// ---- typing ----

type typingCmd struct {
	reply
	client         *Client
	conversationID string
	typing         bool

	present bool
}

func (c *typingCmd) exec(l *loop) {
	c.present = l.rooms.IsPresent(c.conversationID, c.client)
	if !c.present {
		return
	}
	l.broadcast(c.conversationID, c.client, newEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{
		ConversationID: c.conversationID,
		UserID:         c.client.UserID,
		IsTyping:       c.typing,
	}, l.engine.now()))
}
