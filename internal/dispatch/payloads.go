package dispatch

import "github.com/agent-racer/coordinator/internal/session"

// Inbound payloads — one struct per C→S event, field-for-field matching the
// wire contract's canonical names.

type joinSessionPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

type leaveSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type setRolePayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

type leaderRequestPayload struct {
	SessionID             string `json:"sessionId"`
	RequesterConnectionID string `json:"requesterConnectionId,omitempty"`
}

type sessionScopedPayload struct {
	SessionID string `json:"sessionId"`
}

type seekPayload struct {
	SessionID  string `json:"sessionId"`
	PositionMs int64  `json:"positionMs"`
}

type setTempoPayload struct {
	SessionID string `json:"sessionId"`
	TempoBPM  int    `json:"tempoBpm"`
}

type updateMessagePayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type latencyProbePayload struct {
	SessionID       string `json:"sessionId,omitempty"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

type positionSyncPayload struct {
	SessionID       string `json:"sessionId"`
	PositionMs      int64  `json:"positionMs"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// Outbound payloads — one struct per S→C event.

// snapshotPayload embeds the full session so its fields marshal at the top
// level alongside members and serverTimestamp, matching "full Session
// including member list and serverTimestamp".
type snapshotPayload struct {
	*session.Session
	Members         []*session.Member `json:"members"`
	ServerTimestamp int64             `json:"serverTimestamp"`
}

type roomStatsPayload struct {
	SessionID   string `json:"sessionId"`
	MemberCount int    `json:"memberCount"`
	IsPlaying   bool   `json:"isPlaying"`
	Leader      string `json:"leader,omitempty"`
}

type userJoinedPayload struct {
	Member      *session.Member `json:"member"`
	MemberCount int             `json:"memberCount"`
}

type userLeftPayload struct {
	ConnectionID string `json:"connectionId"`
	MemberCount  int    `json:"memberCount"`
	NewLeader    string `json:"newLeader,omitempty"`
}

type leaderChangedPayload struct {
	SessionID                  string `json:"sessionId"`
	NewLeaderConnectionID      string `json:"newLeaderConnectionId"`
	PreviousLeaderConnectionID string `json:"previousLeaderConnectionId,omitempty"`
	Reason                     string `json:"reason,omitempty"`
}

type leaderHandoffRequestPayload struct {
	SessionID             string          `json:"sessionId"`
	RequesterConnectionID string          `json:"requesterConnectionId"`
	RequesterInfo         *session.Member `json:"requesterInfo"`
}

type leaderRequestNoticePayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type scrollTickPayload struct {
	SessionID       string `json:"sessionId"`
	PositionMs      int64  `json:"positionMs"`
	TempoBPM        int    `json:"tempoBpm"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type syncResponsePayload struct {
	SessionID       string `json:"sessionId"`
	PositionMs      int64  `json:"positionMs"`
	TempoBPM        int    `json:"tempoBpm"`
	IsPlaying       bool   `json:"isPlaying"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type latencyResponsePayload struct {
	ClientTimestamp int64 `json:"clientTimestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type positionCorrectionPayload struct {
	SessionID          string `json:"sessionId"`
	CorrectPositionMs  int64  `json:"correctPositionMs"`
	ReportedPositionMs int64  `json:"reportedPositionMs"`
	DriftMs            int64  `json:"driftMs"`
	ServerTimestamp    int64  `json:"serverTimestamp"`
}
