// Package store defines the abstract session/member/leader-request
// persistence contract and its two implementations: MemoryStore (local
// maps, same-process pub/sub) and RedisStore (durable, TTL-backed,
// cross-process pub/sub). Manager selects between them at startup and
// migrates live sessions on backend failure.
package store

import (
	"context"
	"time"

	"github.com/agent-racer/coordinator/internal/session"
)

// SessionPatch carries the fields of a Session an UpdateSession caller
// wants to change. Unset (nil) fields are left untouched — the contract is
// last-writer-wins at the field level.
type SessionPatch struct {
	Message            *string
	TempoBPM           *int
	PositionMs         *int64
	IsPlaying          *bool
	LeaderConnectionID *string
	// ClearLeader distinguishes "set LeaderConnectionID to empty" from
	// "don't touch LeaderConnectionID", since the empty string is itself a
	// meaningful value (no leader).
	ClearLeader bool
	MaxMembers  *int
}

// Apply mutates s in place according to the non-nil fields of p, and always
// refreshes LastActiveAt since every mutation counts as activity.
func (p SessionPatch) Apply(s *session.Session) {
	if p.Message != nil {
		s.Message = *p.Message
	}
	if p.TempoBPM != nil {
		s.TempoBPM = *p.TempoBPM
	}
	if p.PositionMs != nil {
		s.PositionMs = *p.PositionMs
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.ClearLeader {
		s.LeaderConnectionID = ""
	} else if p.LeaderConnectionID != nil {
		s.LeaderConnectionID = *p.LeaderConnectionID
	}
	if p.MaxMembers != nil {
		s.Settings.MaxMembers = *p.MaxMembers
	}
	s.LastActiveAt = time.Now()
}

// Handler is invoked for pub/sub events delivered to a session subscriber.
type Handler func(event string, payload []byte)

// Store is the abstract session/member/leader-request persistence contract.
// RedisStore's operations fail with errs.ErrBackendUnavailable-wrapping
// errors. Manager does not react to failed operations; it falls back only
// when its periodic HealthCheck fails.
type Store interface {
	CreateSession(ctx context.Context, id string, initial *session.Session) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, bool, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*session.Session, bool, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)

	AddMember(ctx context.Context, sessionID string, m *session.Member) (*session.Member, bool, error)
	RemoveMember(ctx context.Context, sessionID, connectionID string) (*session.Member, bool, error)
	GetMember(ctx context.Context, sessionID, connectionID string) (*session.Member, bool, error)
	ListMembers(ctx context.Context, sessionID string) ([]*session.Member, error)
	MemberCount(ctx context.Context, sessionID string) (int, error)

	SetSessionByConnection(ctx context.Context, connectionID, sessionID string) error
	GetSessionByConnection(ctx context.Context, connectionID string) (string, bool, error)
	DeleteConnectionIndex(ctx context.Context, connectionID string) error

	AddLeaderRequest(ctx context.Context, req *session.LeaderRequest) error
	RemoveLeaderRequest(ctx context.Context, sessionID, requesterID string) (bool, error)
	ListLeaderRequests(ctx context.Context, sessionID string) ([]*session.LeaderRequest, error)

	// PublishToSession fans a named event out to every subscriber of
	// sessionID. The in-memory backend may implement this as a same-process
	// no-op broadcast; correctness must not depend on cross-process
	// delivery.
	PublishToSession(ctx context.Context, sessionID, event string, payload []byte) error
	SubscribeToSession(ctx context.Context, sessionID string, handler Handler) (unsubscribe func(), err error)

	HealthCheck(ctx context.Context) bool

	// Close releases any underlying connections/goroutines. Safe to call
	// more than once.
	Close() error
}

// Kind identifies which Store implementation is active, surfaced through
// TelemetryBus's health report.
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)
