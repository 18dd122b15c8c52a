package realtime

// Registry maps user identity to its live connection handle.
//
// It is owned by the Engine dispatch loop and is not safe for concurrent use.
// At most one handle is registered per user; a second login replaces the mapping.
type Registry struct {
	byUser map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Client)}
}

// Register binds c to c.UserID (last write wins) and returns the replaced handle, if any.
func (r *Registry) Register(c *Client) (prev *Client) {
	if c == nil || c.UserID == "" {
		return nil
	}
	prev = r.byUser[c.UserID]
	if prev == c {
		prev = nil
	}
	r.byUser[c.UserID] = c
	return prev
}

// Deregister removes the mapping if c is the current handle of its user.
// It reports whether the mapping was removed; a stale or unknown handle is a no-op.
func (r *Registry) Deregister(c *Client) bool {
	if c == nil {
		return false
	}
	if cur, ok := r.byUser[c.UserID]; ok && cur == c {
		delete(r.byUser, c.UserID)
		return true
	}
	return false
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.byUser[userID]
	return ok
}

// HandleFor returns the live connection of userID.
func (r *Registry) HandleFor(userID string) (*Client, bool) {
	c, ok := r.byUser[userID]
	return c, ok
}

// Len returns the number of online users.
func (r *Registry) Len() int { return len(r.byUser) }
