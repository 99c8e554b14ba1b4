package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks every live connection, grouped by the session it has joined
// (or ungrouped, for a connection that hasn't called joinSession yet), and
// fans outbound envelopes out to them. Delivery is always scoped to one
// session: a member of room A is never sent room B's events.
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]map[*Conn]bool
	byConn    map[*Conn]string // conn -> sessionID, "" if not yet joined
	log       zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		bySession: make(map[string]map[*Conn]bool),
		byConn:    make(map[*Conn]string),
		log:       log.With().Str("component", "ws.hub").Logger(),
	}
}

// Register adds a freshly upgraded connection, not yet associated with any
// session.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byConn[c] = ""
}

// Join moves c into sessionID's fan-out group. A connection may only be in
// one session at a time; joining a new one implicitly leaves the old one.
func (h *Hub) Join(c *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.byConn[c]; ok && old != "" {
		h.removeFromGroupLocked(c, old)
	}

	group, ok := h.bySession[sessionID]
	if !ok {
		group = make(map[*Conn]bool)
		h.bySession[sessionID] = group
	}
	group[c] = true
	h.byConn[c] = sessionID
	c.sessionID = sessionID
}

// Leave removes c from its session group without closing the connection
// (used for an explicit leaveSession command, as opposed to disconnect).
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessionID, ok := h.byConn[c]; ok && sessionID != "" {
		h.removeFromGroupLocked(c, sessionID)
		h.byConn[c] = ""
		c.sessionID = ""
	}
}

// Unregister fully removes c, e.g. on disconnect. Returns the sessionID it
// was last part of, or "" if it never joined one.
func (h *Hub) Unregister(c *Conn) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionID := h.byConn[c]
	if sessionID != "" {
		h.removeFromGroupLocked(c, sessionID)
	}
	delete(h.byConn, c)
	return sessionID
}

func (h *Hub) removeFromGroupLocked(c *Conn, sessionID string) {
	group, ok := h.bySession[sessionID]
	if !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.bySession, sessionID)
	}
}

// SessionOf reports the session a connection currently belongs to.
func (h *Hub) SessionOf(c *Conn) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessionID, ok := h.byConn[c]
	return sessionID, ok && sessionID != ""
}

// MemberCount reports how many live connections belong to sessionID.
func (h *Hub) MemberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Stats reports the number of distinct sessions with at least one live
// connection, and the total number of live connections across all of them —
// the live-connection view of occupancy, as opposed to Registry's durable
// membership records.
func (h *Hub) Stats() (sessionCount, connectionCount int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessionCount = len(h.bySession)
	for _, group := range h.bySession {
		connectionCount += len(group)
	}
	return sessionCount, connectionCount
}

// Broadcast fans env out to every connection in sessionID except skip (pass
// nil to exclude no one). Reliable events that can't be enqueued disconnect
// the slow client; volatile events are silently dropped for it instead.
func (h *Hub) Broadcast(sessionID string, env Envelope, skip *Conn) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to marshal outbound envelope")
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		if c != skip {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	mode := deliveryModeOf(env.Type)
	for _, c := range conns {
		if c.Send(data) {
			continue
		}
		if mode == reliable {
			h.log.Warn().Str("connectionId", c.ConnectionID).Str("eventType", string(env.Type)).
				Msg("client too slow for reliable delivery, disconnecting")
			c.CloseWithCode(1008, "too slow")
		}
	}
}

// ConnByConnectionID finds the live connection in sessionID's group whose
// ConnectionID matches, used to address a single member for a handoff
// notice or a request verdict.
func (h *Hub) ConnByConnectionID(sessionID, connectionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.bySession[sessionID] {
		if c.ConnectionID == connectionID {
			return c, true
		}
	}
	return nil, false
}

// Unicast sends env to a single connection regardless of session grouping,
// used for direct replies like error events and syncResponse.
func (h *Hub) Unicast(c *Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal outbound envelope")
		return
	}
	c.Send(data)
}
