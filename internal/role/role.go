// Package role implements leader election and transfer for a coordination
// session: requesting leadership, approving or denying a request, and the
// automatic senior-member takeover that runs when a leader disconnects.
package role

import (
	"context"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/rs/zerolog"
)

// Manager mediates every leader-state change for every session. It holds no
// per-session state of its own — Session.LeaderConnectionID and the
// pending leader-request set live in the Store, so a leader change survives
// a backend migration.
type Manager struct {
	backend func() store.Store
	log     zerolog.Logger
}

func New(backend func() store.Store, log zerolog.Logger) *Manager {
	return &Manager{backend: backend, log: log.With().Str("component", "role").Logger()}
}

// RequestLeader records a pending request from requesterID. If the session
// has no current leader, the request is granted immediately instead of
// queued.
func (m *Manager) RequestLeader(ctx context.Context, sessionID, requesterID string) (*session.Session, error) {
	backend := m.backend()

	sess, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	if _, ok, err := backend.GetMember(ctx, sessionID, requesterID); err != nil {
		return nil, errs.Internal(err)
	} else if !ok {
		return nil, errs.MemberNotFound(requesterID)
	}

	if !sess.HasLeader() {
		return m.assignLeader(ctx, sessionID, requesterID)
	}
	if sess.IsLeader(requesterID) {
		return sess, nil
	}

	req := &session.LeaderRequest{SessionID: sessionID, RequesterID: requesterID, RequestedAt: time.Now()}
	if err := backend.AddLeaderRequest(ctx, req); err != nil {
		return nil, errs.Internal(err)
	}
	return sess, nil
}

// ApproveLeaderRequest transfers leadership from the current leader to
// requesterID. Only the current leader may call this — the dispatcher is
// responsible for the authorization check before reaching here, but
// ApproveLeaderRequest re-verifies callerID to stay correct if ever called
// directly.
func (m *Manager) ApproveLeaderRequest(ctx context.Context, sessionID, callerID, requesterID string) (*session.Session, error) {
	backend := m.backend()

	sess, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	if !sess.IsLeader(callerID) {
		return nil, errs.Insufficient(sess.LeaderConnectionID)
	}

	requests, err := backend.ListLeaderRequests(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !hasRequestFrom(requests, requesterID) {
		return nil, errs.NoPendingRequest(sessionID, requesterID)
	}

	// assignLeader clears every pending request (including this one and any
	// other outstanding ones, now moot: a follower who still wants to lead
	// must ask again).
	return m.assignLeader(ctx, sessionID, requesterID)
}

// DenyLeaderRequest removes requesterID's pending request without changing
// leadership.
func (m *Manager) DenyLeaderRequest(ctx context.Context, sessionID, callerID, requesterID string) error {
	backend := m.backend()

	sess, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return errs.Internal(err)
	}
	if !ok {
		return errs.SessionNotFound(sessionID)
	}
	if !sess.IsLeader(callerID) {
		return errs.Insufficient(sess.LeaderConnectionID)
	}

	ok2, err := backend.RemoveLeaderRequest(ctx, sessionID, requesterID)
	if err != nil {
		return errs.Internal(err)
	}
	if !ok2 {
		return errs.NoPendingRequest(sessionID, requesterID)
	}
	return nil
}

// HandleDisconnect is invoked by the dispatcher whenever a member
// disconnects. If the departed connection was the session's leader, it
// picks the senior remaining member (earliest joinedAt, ties broken
// lexicographically by connectionId) and promotes them automatically. If
// no members remain, the session is simply left leaderless; the registry's
// idle sweep reclaims it.
func (m *Manager) HandleDisconnect(ctx context.Context, sessionID, disconnectedID string) (*session.Session, error) {
	backend := m.backend()

	sess, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	if !sess.IsLeader(disconnectedID) {
		return sess, nil
	}

	members, err := backend.ListMembers(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	senior := session.SeniorOf(members)
	if senior == nil {
		patch := store.SessionPatch{ClearLeader: true}
		if sess.IsPlaying {
			playing := false
			patch.IsPlaying = &playing
		}
		sess, _, err = backend.UpdateSession(ctx, sessionID, patch)
		if err != nil {
			return nil, errs.Internal(err)
		}
		m.clearPendingRequests(ctx, sessionID)
		return sess, nil
	}

	m.log.Info().Str("sessionId", sessionID).Str("newLeader", senior.ConnectionID).
		Msg("leader disconnected, promoting senior member")
	return m.assignLeader(ctx, sessionID, senior.ConnectionID)
}

// assignLeader sets sessionID's leader to connectionID. A leader change
// while playing pauses the session as an atomic step, per the invariant
// that isPlaying implies a leader is present and in control: the previous
// leader is no longer in control, so playback cannot continue unattended
// under the new leader without an explicit play from them. Every leader
// change also clears every pending leader request for the session: a
// request record is only valid while the leader it targets hasn't changed
// since it was filed, and this is the one chokepoint every leader-change
// path (immediate assignment, approval, senior-member promotion) runs
// through.
func (m *Manager) assignLeader(ctx context.Context, sessionID, connectionID string) (*session.Session, error) {
	backend := m.backend()

	current, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}

	patch := store.SessionPatch{LeaderConnectionID: &connectionID}
	if current.IsPlaying {
		playing := false
		patch.IsPlaying = &playing
	}

	sess, ok, err := backend.UpdateSession(ctx, sessionID, patch)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}

	m.clearPendingRequests(ctx, sessionID)
	return sess, nil
}

// clearPendingRequests removes every outstanding leader request for
// sessionID. Called whenever the session's leader changes, so a stale
// request never survives to be approved against a handoff it no longer
// describes.
func (m *Manager) clearPendingRequests(ctx context.Context, sessionID string) {
	backend := m.backend()
	requests, err := backend.ListLeaderRequests(ctx, sessionID)
	if err != nil {
		m.log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to list leader requests for cleanup")
		return
	}
	for _, r := range requests {
		if _, err := backend.RemoveLeaderRequest(ctx, sessionID, r.RequesterID); err != nil {
			m.log.Warn().Err(err).Str("sessionId", sessionID).Str("requesterId", r.RequesterID).
				Msg("failed to remove stale leader request")
		}
	}
}

// PendingRequesters lists the connectionIDs with an outstanding leader
// request for sessionID, in arrival order — used by the dispatcher to
// notify superseded requesters once one of them is approved.
func (m *Manager) PendingRequesters(ctx context.Context, sessionID string) ([]string, error) {
	requests, err := m.backend().ListLeaderRequests(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.RequesterID
	}
	return ids, nil
}

func hasRequestFrom(requests []*session.LeaderRequest, requesterID string) bool {
	for _, r := range requests {
		if r.RequesterID == requesterID {
			return true
		}
	}
	return false
}
