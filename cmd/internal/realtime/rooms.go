package realtime

import "sort"

// Room is the set of connections currently subscribed to one conversation's live events.
type Room struct {
	ID      string
	members map[string]*Client // session id -> client
}

// Rooms tracks present members per conversation with a reverse index per session,
// so a disconnect can leave every room in one pass.
//
// Owned by the Engine dispatch loop; not safe for concurrent use.
type Rooms struct {
	rooms     map[string]*Room
	bySession map[string]map[string]struct{} // session id -> conversation ids
}

// NewRooms constructs an empty room table.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:     make(map[string]*Room),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join adds c to the room, creating it lazily. It reports false if c was already present.
func (rs *Rooms) Join(conversationID string, c *Client) bool {
	room := rs.rooms[conversationID]
	if room == nil {
		room = &Room{ID: conversationID, members: make(map[string]*Client)}
		rs.rooms[conversationID] = room
	}
	if _, ok := room.members[c.SessionID]; ok {
		return false
	}
	room.members[c.SessionID] = c

	convs := rs.bySession[c.SessionID]
	if convs == nil {
		convs = make(map[string]struct{})
		rs.bySession[c.SessionID] = convs
	}
	convs[conversationID] = struct{}{}
	return true
}

// Leave removes c from the room and deletes the room once empty.
// It reports false if c was not present.
func (rs *Rooms) Leave(conversationID string, c *Client) bool {
	room := rs.rooms[conversationID]
	if room == nil {
		return false
	}
	if _, ok := room.members[c.SessionID]; !ok {
		return false
	}
	delete(room.members, c.SessionID)
	if len(room.members) == 0 {
		delete(rs.rooms, conversationID)
	}

	if convs := rs.bySession[c.SessionID]; convs != nil {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(rs.bySession, c.SessionID)
		}
	}
	return true
}

// LeaveAll removes c from every room it joined and returns those conversation ids, sorted.
func (rs *Rooms) LeaveAll(c *Client) []string {
	convs := rs.bySession[c.SessionID]
	out := make([]string, 0, len(convs))
	for id := range convs {
		out = append(out, id)
	}
	sort.Strings(out)
	for _, id := range out {
		rs.Leave(id, c)
	}
	return out
}

// IsPresent reports whether c is subscribed to the room.
func (rs *Rooms) IsPresent(conversationID string, c *Client) bool {
	room := rs.rooms[conversationID]
	if room == nil || c == nil {
		return false
	}
	_, ok := room.members[c.SessionID]
	return ok
}

// Snapshot returns the current members of a room, ordered by session id.
func (rs *Rooms) Snapshot(conversationID string) []*Client {
	room := rs.rooms[conversationID]
	if room == nil {
		return nil
	}
	out := make([]*Client, 0, len(room.members))
	for _, m := range room.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of non-empty rooms.
func (rs *Rooms) Len() int { return len(rs.rooms) }
