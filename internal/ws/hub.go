package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"messenger/internal/metrics"
)

// Hub is the connection registry and event broker in one: it maps live
// connections to identities and room subscriptions, and fans typed events
// out to a room's current subscriber set. Delivery is best-effort and
// at-most-once per connection; a disconnected client reconciles over REST.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Client                       // connID -> client
	userConns map[uuid.UUID]map[string]*Client         // userID -> connID -> client
	rooms     map[uuid.UUID]map[string]*Client         // conversationID -> connID -> client
	connRooms map[string]map[uuid.UUID]struct{}        // connID -> subscribed conversationIDs
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Client),
		userConns: make(map[uuid.UUID]map[string]*Client),
		rooms:     make(map[uuid.UUID]map[string]*Client),
		connRooms: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Attach registers the client and subscribes it to its initial room set plus
// the implicit per-identity room (tracked via userConns). Returns true when
// this is the identity's first live connection.
func (h *Hub) Attach(c *Client, roomIDs []uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
	ucs := h.userConns[c.UserID]
	first := len(ucs) == 0
	if ucs == nil {
		ucs = make(map[string]*Client)
		h.userConns[c.UserID] = ucs
	}
	ucs[c.ID] = c

	memberships := make(map[uuid.UUID]struct{}, len(roomIDs))
	h.connRooms[c.ID] = memberships
	for _, rid := range roomIDs {
		h.joinLocked(rid, c)
	}
	metrics.WsConnections.Inc()
	return first
}

// Detach removes the client from every room and from the registry. Returns
// true when the identity has no remaining live connections.
func (h *Hub) Detach(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return len(h.userConns[c.UserID]) == 0
	}
	for rid := range h.connRooms[c.ID] {
		h.leaveLocked(rid, c.ID)
	}
	delete(h.connRooms, c.ID)
	delete(h.conns, c.ID)

	ucs := h.userConns[c.UserID]
	delete(ucs, c.ID)
	last := len(ucs) == 0
	if last {
		delete(h.userConns, c.UserID)
	}
	metrics.WsConnections.Dec()
	return last
}

func (h *Hub) joinLocked(roomID uuid.UUID, c *Client) {
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
	}
	room[c.ID] = c
	if m := h.connRooms[c.ID]; m != nil {
		m[roomID] = struct{}{}
	}
}

func (h *Hub) leaveLocked(roomID uuid.UUID, connID string) {
	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
	if m := h.connRooms[connID]; m != nil {
		delete(m, roomID)
	}
}

// JoinUser subscribes every live connection of userID to the room. This is
// the membership-changed signal: the membership store calls it when a user
// is added to a conversation so broadcasts reach already-open sockets
// without a reconnect.
func (h *Hub) JoinUser(userID, roomID uuid.UUID) {
	h.mu.Lock()
	for _, c := range h.userConns[userID] {
		h.joinLocked(roomID, c)
	}
	h.mu.Unlock()
}

// LeaveUser unsubscribes every live connection of userID from the room.
func (h *Hub) LeaveUser(userID, roomID uuid.UUID) {
	h.mu.Lock()
	for _, c := range h.userConns[userID] {
		h.leaveLocked(roomID, c.ID)
	}
	h.mu.Unlock()
}

// Publish fans the event out to every connection subscribed to roomID.
// Returns the number of connections the event was queued for.
func (h *Hub) Publish(roomID uuid.UUID, ev Event) int {
	b, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("encode event")
		return 0
	}
	h.mu.RLock()
	room := h.rooms[roomID]
	targets := make([]*Client, 0, len(room))
	for _, c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(b); err == nil {
			delivered++
		}
	}
	metrics.WsEventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return delivered
}

// PublishToUser delivers the event to every live connection of the identity
// regardless of room subscriptions. Used for out-of-room notices such as
// being promoted or added to a group.
func (h *Hub) PublishToUser(userID uuid.UUID, ev Event) int {
	b, err := ev.Encode()
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("encode event")
		return 0
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.userConns[userID]))
	for _, c := range h.userConns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(b); err == nil {
			delivered++
		}
	}
	metrics.WsEventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return delivered
}

// Online reports the number of connections subscribed to the room.
func (h *Hub) Online(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomsOf snapshots the room set a connection is currently subscribed to.
func (h *Hub) RoomsOf(connID string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.connRooms[connID]))
	for rid := range h.connRooms[connID] {
		out = append(out, rid)
	}
	return out
}

// UserOnline reports whether the identity has at least one live connection.
func (h *Hub) UserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID]) > 0
}
