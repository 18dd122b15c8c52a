package realtime

import (
	"sync"
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"
)

// Client is the connection handle of one authenticated websocket session.
//
// Send is never closed by the server so concurrent enqueues cannot panic.
// done signals the writer goroutine to stop; Close is idempotent.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, connectedAt time.Time, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: connectedAt,
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue offers env to the send queue without blocking.
// It reports false when the client is closing or its queue is full.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
