// Package session defines the coordinator's core data model: Session,
// Member, and LeaderRequest, plus the small set of invariant-preserving
// helpers each mutation must route through. It holds no storage or
// concurrency primitives of its own — see internal/store for persistence
// and internal/registry for the CRUD/capacity/TTL policy built on top.
package session

import "time"

// Role classifies a Member's authority within a session.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Settings holds the per-session configuration that isn't part of the
// transport state machine.
type Settings struct {
	MaxMembers int `json:"maxMembers"`
}

// Session is the authoritative transport state for one coordination group.
// ID is the opaque sessionId used as the store key.
type Session struct {
	ID                 string    `json:"id"`
	Message            string    `json:"message"`
	TempoBPM           int       `json:"tempoBpm"`
	PositionMs         int64     `json:"positionMs"`
	IsPlaying          bool      `json:"isPlaying"`
	LeaderConnectionID string    `json:"leaderConnectionId,omitempty"`
	Settings           Settings  `json:"settings"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActiveAt       time.Time `json:"lastActiveAt"`
}

// HasLeader reports whether the session currently has an assigned leader.
func (s *Session) HasLeader() bool {
	return s.LeaderConnectionID != ""
}

// IsLeader reports whether connectionID is the session's current leader.
func (s *Session) IsLeader(connectionID string) bool {
	return s.HasLeader() && s.LeaderConnectionID == connectionID
}

// Clone returns a deep copy of the Session. Session has no pointer or slice
// fields today, but Clone exists so callers never need to care whether a
// future field does.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Default returns a new Session with the defaults used for a session
// created lazily on first join.
func Default(id string, maxMembers int) *Session {
	now := time.Now()
	if maxMembers <= 0 {
		maxMembers = 8
	}
	return &Session{
		ID:           id,
		TempoBPM:     120,
		PositionMs:   0,
		IsPlaying:    false,
		Settings:     Settings{MaxMembers: maxMembers},
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Member is a single connection that has joined a session.
type Member struct {
	ConnectionID      string    `json:"connectionId"`
	SessionID         string    `json:"sessionId"`
	DisplayName       string    `json:"displayName"`
	Role              Role      `json:"role"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastPingAt        time.Time `json:"lastPingAt"`
	MeasuredLatencyMs int64     `json:"measuredLatencyMs"`
}

// Clone returns a deep copy of the Member.
func (m *Member) Clone() *Member {
	c := *m
	return &c
}

// LeaderRequest is a pending request by a follower to become leader. At
// most one may exist per (sessionID, requesterID).
type LeaderRequest struct {
	SessionID   string    `json:"sessionId"`
	RequesterID string    `json:"requesterConnectionId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ByArrival sorts LeaderRequests by RequestedAt ascending, the FIFO order
// the pending-request queue is served in.
type ByArrival []*LeaderRequest

func (b ByArrival) Len() int      { return len(b) }
func (b ByArrival) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b ByArrival) Less(i, j int) bool {
	if b[i].RequestedAt.Equal(b[j].RequestedAt) {
		return b[i].RequesterID < b[j].RequesterID
	}
	return b[i].RequestedAt.Before(b[j].RequestedAt)
}

// SeniorOf returns the senior member of members — the one with the earliest
// JoinedAt, tie-broken by lexicographically smallest ConnectionID — the
// automatic-takeover target when a leader disconnects. Returns nil if
// members is empty.
func SeniorOf(members []*Member) *Member {
	var senior *Member
	for _, m := range members {
		if senior == nil {
			senior = m
			continue
		}
		if m.JoinedAt.Before(senior.JoinedAt) {
			senior = m
		} else if m.JoinedAt.Equal(senior.JoinedAt) && m.ConnectionID < senior.ConnectionID {
			senior = m
		}
	}
	return senior
}
