// Package registry implements SessionRegistry: creation-on-join,
// capacity enforcement, activity tracking, and the idle-sweep policy for
// coordination sessions. It sits directly on top of internal/store and is
// the entry point every other engine (role, transport, syncengine,
// dispatch) uses to resolve a sessionId into live state.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/rs/zerolog"
)

// Config controls capacity defaults and the idle sweep.
type Config struct {
	DefaultMaxMembers int
	IdleTTL           time.Duration
	SweepInterval     time.Duration
	EmptyGraceTTL     time.Duration
}

// Registry resolves sessionIds to live Session/Member state, creating a
// session lazily on first join and evicting it once it has been empty
// longer than EmptyGraceTTL, or idle (members present but inactive) longer
// than IdleTTL.
type Registry struct {
	cfg     Config
	backend func() store.Store
	log     zerolog.Logger

	mu         sync.Mutex
	emptySince map[string]time.Time // sessionID -> when it last had zero members

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Registry. backend is called on every operation rather
// than captured once, so callers can pass Manager.Current and transparently
// ride out a store migration.
func New(cfg Config, backend func() store.Store, log zerolog.Logger) *Registry {
	if cfg.DefaultMaxMembers <= 0 {
		cfg.DefaultMaxMembers = 8
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.EmptyGraceTTL <= 0 {
		cfg.EmptyGraceTTL = 60 * time.Second
	}
	return &Registry{
		cfg:        cfg,
		backend:    backend,
		log:        log.With().Str("component", "registry").Logger(),
		emptySince: make(map[string]time.Time),
	}
}

// Start launches the background idle sweep. Call Stop to end it.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// JoinSession resolves sessionID, creating it with default state if it
// doesn't exist, then adds connectionID as a member. The first member of a
// freshly created session is assigned RoleLeader; everyone after that joins
// as RoleFollower. Returns errs.SessionFull if the session is already at
// its configured capacity.
func (r *Registry) JoinSession(ctx context.Context, sessionID, connectionID, displayName string) (*session.Session, *session.Member, error) {
	backend := r.backend()

	sess, ok, err := backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	created := false
	if !ok {
		sess, err = backend.CreateSession(ctx, sessionID, session.Default(sessionID, r.cfg.DefaultMaxMembers))
		if err != nil {
			return nil, nil, errs.Internal(err)
		}
		created = true
	}

	count, err := backend.MemberCount(ctx, sessionID)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	if count >= sess.Settings.MaxMembers {
		return nil, nil, errs.SessionFull(sessionID, sess.Settings.MaxMembers)
	}

	role := session.RoleFollower
	if created {
		role = session.RoleLeader
	}
	now := time.Now()
	member := &session.Member{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		DisplayName:  displayName,
		Role:         role,
		JoinedAt:     now,
		LastPingAt:   now,
	}
	member, _, err = backend.AddMember(ctx, sessionID, member)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	if err := backend.SetSessionByConnection(ctx, connectionID, sessionID); err != nil {
		return nil, nil, errs.Internal(err)
	}

	if created {
		patch := store.SessionPatch{LeaderConnectionID: &connectionID}
		if sess, _, err = backend.UpdateSession(ctx, sessionID, patch); err != nil {
			return nil, nil, errs.Internal(err)
		}
	}

	r.mu.Lock()
	delete(r.emptySince, sessionID)
	r.mu.Unlock()

	return sess, member, nil
}

// LeaveSession removes connectionID from sessionID. It does not decide who
// becomes leader if the departing member was the leader — that's
// role.Manager.HandleDisconnect's job, invoked by the dispatcher after this
// returns.
func (r *Registry) LeaveSession(ctx context.Context, sessionID, connectionID string) error {
	backend := r.backend()

	if _, ok, err := backend.RemoveMember(ctx, sessionID, connectionID); err != nil {
		return errs.Internal(err)
	} else if !ok {
		return errs.MemberNotFound(connectionID)
	}
	if err := backend.DeleteConnectionIndex(ctx, connectionID); err != nil {
		return errs.Internal(err)
	}

	count, err := backend.MemberCount(ctx, sessionID)
	if err != nil {
		return errs.Internal(err)
	}
	if count == 0 {
		r.mu.Lock()
		r.emptySince[sessionID] = time.Now()
		r.mu.Unlock()
	}
	return nil
}

// Touch refreshes a session's LastActiveAt, called by the dispatcher on
// every inbound event so the idle sweep sees real activity.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	_, ok, err := r.backend().UpdateSession(ctx, sessionID, store.SessionPatch{})
	if err != nil {
		return errs.Internal(err)
	}
	if !ok {
		return errs.SessionNotFound(sessionID)
	}
	return nil
}

// Session resolves sessionID to its current state.
func (r *Registry) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, ok, err := r.backend().GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	return sess, nil
}

// Members lists every member of sessionID.
func (r *Registry) Members(ctx context.Context, sessionID string) ([]*session.Member, error) {
	members, err := r.backend().ListMembers(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return members, nil
}

// UpdateMemberLatency records a freshly measured round-trip latency against
// connectionID's Member record, so a client reading snapshot/userJoined can
// see peers' latency without a separate query. A no-op if the member is no
// longer present (a race with leaving is harmless here).
func (r *Registry) UpdateMemberLatency(ctx context.Context, sessionID, connectionID string, latencyMs int64) error {
	backend := r.backend()

	m, ok, err := backend.GetMember(ctx, sessionID, connectionID)
	if err != nil {
		return errs.Internal(err)
	}
	if !ok {
		return nil
	}
	m.MeasuredLatencyMs = latencyMs
	m.LastPingAt = time.Now()
	if _, _, err := backend.AddMember(ctx, sessionID, m); err != nil {
		return errs.Internal(err)
	}
	return nil
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// sweepOnce deletes sessions that have either been empty longer than
// EmptyGraceTTL, or have members but haven't seen activity within IdleTTL.
func (r *Registry) sweepOnce(ctx context.Context) {
	backend := r.backend()
	sessions, err := backend.ListSessions(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("sweep: failed to list sessions")
		return
	}

	now := time.Now()
	for _, sess := range sessions {
		count, err := backend.MemberCount(ctx, sess.ID)
		if err != nil {
			continue
		}

		evict := false
		if count == 0 {
			r.mu.Lock()
			since, tracked := r.emptySince[sess.ID]
			r.mu.Unlock()
			if !tracked {
				r.mu.Lock()
				r.emptySince[sess.ID] = now
				r.mu.Unlock()
			} else if now.Sub(since) > r.cfg.EmptyGraceTTL {
				evict = true
			}
		} else if now.Sub(sess.LastActiveAt) > r.cfg.IdleTTL {
			evict = true
		}

		if evict {
			if _, err := backend.DeleteSession(ctx, sess.ID); err != nil {
				r.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("sweep: failed to delete session")
				continue
			}
			r.mu.Lock()
			delete(r.emptySince, sess.ID)
			r.mu.Unlock()
			r.log.Info().Str("sessionId", sess.ID).Int("members", count).Msg("swept idle session")
		}
	}
}
