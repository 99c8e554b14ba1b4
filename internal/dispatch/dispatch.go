// Package dispatch implements EventDispatcher: the pipeline every inbound
// WebSocket envelope passes through before it reaches a domain component —
// framing/schema validation, session resolution, role authorization,
// per-connection rate limiting, in that order — and the fan-out of the
// resulting outbound envelopes. It is the one place that holds all of
// registry, role, transport, and syncengine together, and so it is also
// where per-session serialization is enforced: every read-modify-write
// sequence against a session runs inside that session's own lock.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/registry"
	"github.com/agent-racer/coordinator/internal/role"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/agent-racer/coordinator/internal/syncengine"
	"github.com/agent-racer/coordinator/internal/transport"
	"github.com/agent-racer/coordinator/internal/ws"
	"github.com/rs/zerolog"
)

// Dispatcher implements ws.Dispatcher. It holds no session state of its
// own beyond the per-session lock map; all domain state lives in the
// components it wires together.
type Dispatcher struct {
	registry   *registry.Registry
	role       *role.Manager
	transport  *transport.Engine
	syncEngine *syncengine.Engine
	hub        *ws.Hub
	limiter    *RateLimiter
	log        zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// onObserve, when set, is called with the wall-clock time an inbound
	// envelope spent in Dispatch, in milliseconds — TelemetryBus's latency
	// sample source. Kept as a hook rather than a direct import so dispatch
	// never needs to know telemetry exists.
	onObserve func(durationMs int64)
}

func New(reg *registry.Registry, roleMgr *role.Manager, transportEngine *transport.Engine, syncEngine *syncengine.Engine, hub *ws.Hub, limiter *RateLimiter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		role:       roleMgr,
		transport:  transportEngine,
		syncEngine: syncEngine,
		hub:        hub,
		limiter:    limiter,
		log:        log.With().Str("component", "dispatch").Logger(),
		locks:      make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing every read-modify-write against
// sessionID, creating it on first use. The map itself is guarded by a brief
// coarse lock released before the per-session lock is acquired, so
// contention does not scale with session count.
func (d *Dispatcher) sessionLock(sessionID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[sessionID] = l
	}
	return l
}

func (d *Dispatcher) withSession(sessionID string, fn func()) {
	l := d.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	fn()
}

// OnObserve registers a callback invoked with every Dispatch call's
// processing latency in milliseconds.
func (d *Dispatcher) OnObserve(f func(durationMs int64)) {
	d.onObserve = f
}

// Dispatch implements ws.Dispatcher. Each handler runs its own
// validate-resolve-authorize-then-rate-limit pipeline (see checkRateLimit)
// rather than gating here, so a malformed payload, an unknown session, or
// an unauthorized role never gets misreported as a rate-limit rejection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	start := time.Now()
	if d.onObserve != nil {
		defer func() { d.onObserve(time.Since(start).Milliseconds()) }()
	}

	if sid := sessionIDFrom(env.Payload); sid != "" {
		_ = d.registry.Touch(ctx, sid)
	}

	switch env.Type {
	case ws.EventJoinSession:
		d.handleJoin(ctx, c, env)
	case ws.EventLeaveSession:
		d.handleLeave(ctx, c, env)
	case ws.EventSetRole:
		d.handleSetRole(ctx, c, env)
	case ws.EventRequestLeader:
		d.handleRequestLeader(ctx, c, env)
	case ws.EventApproveLeaderRequest:
		d.handleApprove(ctx, c, env)
	case ws.EventDenyLeaderRequest:
		d.handleDeny(ctx, c, env)
	case ws.EventPlay:
		d.handleTransportCommand(ctx, c, env, d.transport.Play)
	case ws.EventPause:
		d.handleTransportCommand(ctx, c, env, d.transport.Pause)
	case ws.EventStop:
		d.handleTransportCommand(ctx, c, env, d.transport.Stop)
	case ws.EventSeek:
		d.handleSeek(ctx, c, env)
	case ws.EventSetTempo:
		d.handleSetTempo(ctx, c, env)
	case ws.EventUpdateMessage:
		d.handleUpdateMessage(ctx, c, env)
	case ws.EventSyncRequest:
		d.handleSyncRequest(ctx, c, env)
	case ws.EventLatencyProbe:
		d.handleLatencyProbe(ctx, c, env)
	case ws.EventPositionSync:
		d.handlePositionSync(ctx, c, env)
	default:
		d.sendError(c, errs.Validation("unknown event type"))
	}
}

// HandleDisconnect implements ws.Dispatcher. It runs the same cleanup as an
// explicit leaveSession, since a dropped socket and a voluntary leave both
// remove the member and may trigger leader takeover.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, c *ws.Conn, sessionID string) {
	if err := d.leaveSession(ctx, c, sessionID); err != nil {
		d.log.Debug().Err(err).Str("connectionId", c.ConnectionID).Str("sessionId", sessionID).
			Msg("disconnect cleanup: member already gone")
	}
}

func decode[T any](env ws.Envelope) (T, *errs.Error) {
	var v T
	if len(env.Payload) == 0 {
		return v, errs.Validation("missing payload")
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, errs.Validation("malformed payload: " + err.Error())
	}
	return v, nil
}

// sessionIDFrom peeks a raw envelope payload for its sessionId field,
// without committing to any one event's full payload shape, so Dispatch can
// refresh the session's activity timestamp before routing.
func sessionIDFrom(payload json.RawMessage) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.SessionID
}

func asWireError(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Internal(err)
}

// retryAfterMsFor is a rough retry-after estimate per rate kind, carried on
// RATE_LIMIT_EXCEEDED errors. The values are fixed constants matching the
// default rates; they do not follow a reconfigured rate.
func retryAfterMsFor(kind rateKind) int64 {
	switch kind {
	case kindPositionSync:
		return 20
	case kindTempoChange:
		return 200
	case kindJoin:
		return 500
	default:
		return 0
	}
}

// checkRateLimit applies the per-event-kind rate limit. Callers invoke this
// only after a handler's own payload validation, session resolution, and
// role authorization have already succeeded: rate limiting is the last gate
// before a domain mutation runs, not the first thing a handler checks, so a
// malformed payload, a nonexistent session, or an insufficiently-privileged
// caller is never misreported as RATE_LIMIT_EXCEEDED.
func (d *Dispatcher) checkRateLimit(c *ws.Conn, eventType ws.EventType) *errs.Error {
	kind := rateKindOf(eventType)
	if d.limiter.Allow(c.ConnectionID, kind) {
		return nil
	}
	violations := d.limiter.RecordViolation(c.ConnectionID)
	if violations > d.limiter.ViolationLimit() {
		d.log.Warn().Str("connectionId", c.ConnectionID).Int("violations", violations).
			Msg("persistent rate-limit violator, disconnecting")
		c.CloseWithCode(1008, "rate limit violations")
	}
	return errs.RateLimited(retryAfterMsFor(kind))
}

func (d *Dispatcher) sendError(c *ws.Conn, e *errs.Error) {
	env, err := ws.NewEnvelope(ws.EventError, ws.ErrorPayload{Code: string(e.Code), Message: e.Message, Extra: e.Extra})
	if err != nil {
		return
	}
	d.hub.Unicast(c, env)
}

func (d *Dispatcher) authorizeLeader(ctx context.Context, sessionID, connectionID string) (*session.Session, *errs.Error) {
	sess, err := d.registry.Session(ctx, sessionID)
	if err != nil {
		return nil, asWireError(err)
	}
	if !sess.IsLeader(connectionID) {
		return nil, errs.Insufficient(sess.LeaderConnectionID)
	}
	return sess, nil
}

func (d *Dispatcher) memberByID(ctx context.Context, sessionID, connectionID string) *session.Member {
	members, err := d.registry.Members(ctx, sessionID)
	if err != nil {
		return nil
	}
	for _, m := range members {
		if m.ConnectionID == connectionID {
			return m
		}
	}
	return nil
}

func (d *Dispatcher) snapshotPayloadFor(ctx context.Context, sessionID string) (snapshotPayload, bool) {
	sess, err := d.registry.Session(ctx, sessionID)
	if err != nil {
		return snapshotPayload{}, false
	}
	members, err := d.registry.Members(ctx, sessionID)
	if err != nil {
		return snapshotPayload{}, false
	}
	return snapshotPayload{Session: sess, Members: members, ServerTimestamp: time.Now().UnixMilli()}, true
}

func (d *Dispatcher) broadcastSnapshot(ctx context.Context, sessionID string) {
	payload, ok := d.snapshotPayloadFor(ctx, sessionID)
	if !ok {
		return
	}
	env, err := ws.NewEnvelope(ws.EventSnapshot, payload)
	if err != nil {
		return
	}
	d.hub.Broadcast(sessionID, env, nil)
}

func (d *Dispatcher) unicastSnapshot(ctx context.Context, c *ws.Conn, sessionID string) {
	payload, ok := d.snapshotPayloadFor(ctx, sessionID)
	if !ok {
		return
	}
	env, err := ws.NewEnvelope(ws.EventSnapshot, payload)
	if err != nil {
		return
	}
	d.hub.Unicast(c, env)
}

func (d *Dispatcher) broadcastLeaderChanged(eventType ws.EventType, sessionID, newLeader, previousLeader, reason string) {
	env, err := ws.NewEnvelope(eventType, leaderChangedPayload{
		SessionID:                  sessionID,
		NewLeaderConnectionID:      newLeader,
		PreviousLeaderConnectionID: previousLeader,
		Reason:                     reason,
	})
	if err != nil {
		return
	}
	d.hub.Broadcast(sessionID, env, nil)
}

// handleJoin resolves or creates the session, adds the member, sends the
// joiner a snapshot to bootstrap its view, and tells everyone else a member
// arrived.
func (d *Dispatcher) handleJoin(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[joinSessionPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}
	if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}

	var member *session.Member
	var opErr error
	d.withSession(p.SessionID, func() {
		_, member, opErr = d.registry.JoinSession(ctx, p.SessionID, c.ConnectionID, p.DisplayName)
		if opErr != nil {
			return
		}
		d.hub.Join(c, p.SessionID)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}
	d.syncEngine.OnConnect(c.ConnectionID)

	d.unicastSnapshot(ctx, c, p.SessionID)

	joinedEnv, err := ws.NewEnvelope(ws.EventUserJoined, userJoinedPayload{Member: member, MemberCount: d.hub.MemberCount(p.SessionID)})
	if err == nil {
		d.hub.Broadcast(p.SessionID, joinedEnv, c)
	}
}

// leaveSession removes connectionID from sessionID (if present), runs
// leader takeover if it was the leader, and notifies the remaining members.
// Shared by the explicit leaveSession command and disconnect cleanup.
func (d *Dispatcher) leaveSession(ctx context.Context, c *ws.Conn, sessionID string) error {
	if sessionID == "" {
		return errs.Validation("sessionId is required")
	}

	var newLeader string
	var memberCount int
	var opErr error
	d.withSession(sessionID, func() {
		before, _ := d.registry.Session(ctx, sessionID)
		wasLeader := before != nil && before.IsLeader(c.ConnectionID)

		if err := d.registry.LeaveSession(ctx, sessionID, c.ConnectionID); err != nil {
			opErr = err
			return
		}
		d.hub.Leave(c)
		d.syncEngine.OnDisconnect(c.ConnectionID)
		d.limiter.Forget(c.ConnectionID)

		if wasLeader {
			if after, err := d.role.HandleDisconnect(ctx, sessionID, c.ConnectionID); err == nil && after.HasLeader() {
				newLeader = after.LeaderConnectionID
			}
		}
		memberCount = d.hub.MemberCount(sessionID)
	})
	if opErr != nil {
		return opErr
	}

	leftEnv, err := ws.NewEnvelope(ws.EventUserLeft, userLeftPayload{ConnectionID: c.ConnectionID, MemberCount: memberCount, NewLeader: newLeader})
	if err == nil {
		d.hub.Broadcast(sessionID, leftEnv, nil)
	}
	if newLeader != "" {
		d.broadcastLeaderChanged(ws.EventLeaderAutoAssigned, sessionID, newLeader, c.ConnectionID, "previousLeaderDisconnected")
		d.broadcastSnapshot(ctx, sessionID)
	}
	return nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[leaveSessionPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}
	if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}
	if err := d.leaveSession(ctx, c, p.SessionID); err != nil {
		d.sendError(c, asWireError(err))
	}
}

// handleSetRole treats setRole{role:"leader"} as syntactic sugar for
// requestLeader and ignores every other role value — a member cannot
// demote itself, and there is no other defined effect.
func (d *Dispatcher) handleSetRole(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[setRolePayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.Role != string(session.RoleLeader) {
		return
	}
	d.requestLeader(ctx, c, env.Type, p.SessionID)
}

func (d *Dispatcher) handleRequestLeader(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[leaderRequestPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	d.requestLeader(ctx, c, env.Type, p.SessionID)
}

func (d *Dispatcher) requestLeader(ctx context.Context, c *ws.Conn, eventType ws.EventType, sessionID string) {
	if sessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}
	if rlErr := d.checkRateLimit(c, eventType); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}

	var sess *session.Session
	var granted bool
	var opErr error
	d.withSession(sessionID, func() {
		before, _ := d.registry.Session(ctx, sessionID)
		granted = before == nil || !before.HasLeader()
		sess, opErr = d.role.RequestLeader(ctx, sessionID, c.ConnectionID)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}

	if granted {
		d.broadcastLeaderChanged(ws.EventLeaderChanged, sessionID, sess.LeaderConnectionID, "", "")
		d.broadcastSnapshot(ctx, sessionID)
		return
	}
	if sess.IsLeader(c.ConnectionID) {
		return
	}

	requesterInfo := d.memberByID(ctx, sessionID, c.ConnectionID)
	handoffEnv, err := ws.NewEnvelope(ws.EventLeaderHandoffRequest, leaderHandoffRequestPayload{
		SessionID:             sessionID,
		RequesterConnectionID: c.ConnectionID,
		RequesterInfo:         requesterInfo,
	})
	if err == nil {
		if leaderConn, ok := d.hub.ConnByConnectionID(sessionID, sess.LeaderConnectionID); ok {
			d.hub.Unicast(leaderConn, handoffEnv)
		}
	}

	sentEnv, err := ws.NewEnvelope(ws.EventLeaderRequestSent, leaderRequestNoticePayload{SessionID: sessionID, Message: "leader request sent"})
	if err == nil {
		d.hub.Unicast(c, sentEnv)
	}
}

func (d *Dispatcher) handleApprove(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[leaderRequestPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" || p.RequesterConnectionID == "" {
		d.sendError(c, errs.Validation("sessionId and requesterConnectionId are required"))
		return
	}

	var sess *session.Session
	var previousLeader string
	var superseded []string
	var opErr error
	d.withSession(p.SessionID, func() {
		before, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID)
		if authErr != nil {
			opErr = authErr
			return
		}
		previousLeader = before.LeaderConnectionID
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}

		pending, _ := d.role.PendingRequesters(ctx, p.SessionID)
		for _, id := range pending {
			if id != p.RequesterConnectionID {
				superseded = append(superseded, id)
			}
		}
		sess, opErr = d.role.ApproveLeaderRequest(ctx, p.SessionID, c.ConnectionID, p.RequesterConnectionID)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}

	for _, id := range superseded {
		if conn, ok := d.hub.ConnByConnectionID(p.SessionID, id); ok {
			denyEnv, err := ws.NewEnvelope(ws.EventLeaderRequestDenied, leaderRequestNoticePayload{SessionID: p.SessionID, Reason: "superseded"})
			if err == nil {
				d.hub.Unicast(conn, denyEnv)
			}
		}
	}

	if conn, ok := d.hub.ConnByConnectionID(p.SessionID, p.RequesterConnectionID); ok {
		approvedEnv, err := ws.NewEnvelope(ws.EventLeaderRequestApproved, leaderRequestNoticePayload{SessionID: p.SessionID, Message: "leader request approved"})
		if err == nil {
			d.hub.Unicast(conn, approvedEnv)
		}
	}

	d.broadcastLeaderChanged(ws.EventLeaderChanged, p.SessionID, sess.LeaderConnectionID, previousLeader, "")
	d.broadcastSnapshot(ctx, p.SessionID)
}

func (d *Dispatcher) handleDeny(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[leaderRequestPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" || p.RequesterConnectionID == "" {
		d.sendError(c, errs.Validation("sessionId and requesterConnectionId are required"))
		return
	}

	var opErr error
	d.withSession(p.SessionID, func() {
		if _, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID); authErr != nil {
			opErr = authErr
			return
		}
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}
		opErr = d.role.DenyLeaderRequest(ctx, p.SessionID, c.ConnectionID, p.RequesterConnectionID)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}

	if conn, ok := d.hub.ConnByConnectionID(p.SessionID, p.RequesterConnectionID); ok {
		denyEnv, err := ws.NewEnvelope(ws.EventLeaderRequestDenied, leaderRequestNoticePayload{SessionID: p.SessionID, Reason: "denied"})
		if err == nil {
			d.hub.Unicast(conn, denyEnv)
		}
	}
}

func (d *Dispatcher) handleTransportCommand(ctx context.Context, c *ws.Conn, env ws.Envelope, op func(ctx context.Context, sessionID string) (*session.Session, error)) {
	p, derr := decode[sessionScopedPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}

	var opErr error
	d.withSession(p.SessionID, func() {
		if _, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID); authErr != nil {
			opErr = authErr
			return
		}
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}
		_, opErr = op(ctx, p.SessionID)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}
	d.broadcastSnapshot(ctx, p.SessionID)
}

func (d *Dispatcher) handleSeek(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[seekPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}

	var opErr error
	d.withSession(p.SessionID, func() {
		if _, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID); authErr != nil {
			opErr = authErr
			return
		}
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}
		_, opErr = d.transport.Seek(ctx, p.SessionID, p.PositionMs)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}
	d.broadcastSnapshot(ctx, p.SessionID)
}

func (d *Dispatcher) handleSetTempo(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[setTempoPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}

	var opErr error
	d.withSession(p.SessionID, func() {
		if _, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID); authErr != nil {
			opErr = authErr
			return
		}
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}
		_, opErr = d.transport.SetTempo(ctx, p.SessionID, p.TempoBPM)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}
	d.broadcastSnapshot(ctx, p.SessionID)
}

func (d *Dispatcher) handleUpdateMessage(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[updateMessagePayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if p.SessionID == "" {
		d.sendError(c, errs.Validation("sessionId is required"))
		return
	}

	var opErr error
	d.withSession(p.SessionID, func() {
		if _, authErr := d.authorizeLeader(ctx, p.SessionID, c.ConnectionID); authErr != nil {
			opErr = authErr
			return
		}
		if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
			opErr = rlErr
			return
		}
		_, opErr = d.transport.UpdateMessage(ctx, p.SessionID, p.Message)
	})
	if opErr != nil {
		d.sendError(c, asWireError(opErr))
		return
	}
	d.broadcastSnapshot(ctx, p.SessionID)
}

func (d *Dispatcher) handleSyncRequest(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[sessionScopedPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	sess, err := d.registry.Session(ctx, p.SessionID)
	if err != nil {
		d.sendError(c, asWireError(err))
		return
	}
	if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}

	resp, err := ws.NewEnvelope(ws.EventSyncResponse, syncResponsePayload{
		SessionID:       p.SessionID,
		PositionMs:      sess.PositionMs,
		TempoBPM:        sess.TempoBPM,
		IsPlaying:       sess.IsPlaying,
		ServerTimestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	d.hub.Unicast(c, resp)
}

func (d *Dispatcher) handleLatencyProbe(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[latencyProbePayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}

	serverTs := d.syncEngine.HandleLatencyProbe(c.ConnectionID, p.ClientTimestamp)
	resp, err := ws.NewEnvelope(ws.EventLatencyResponse, latencyResponsePayload{ClientTimestamp: p.ClientTimestamp, ServerTimestamp: serverTs})
	if err != nil {
		return
	}
	d.hub.Unicast(c, resp)

	if sessionID, ok := d.hub.SessionOf(c); ok {
		latencyMs := d.syncEngine.MeasuredLatencyMs(c.ConnectionID)
		_ = d.registry.UpdateMemberLatency(ctx, sessionID, c.ConnectionID, latencyMs)
	}
}

// handlePositionSync answers a client's reported (positionMs,
// clientTimestamp) with a positionCorrection if it has drifted from the
// server's authoritative position by more than the configured threshold.
func (d *Dispatcher) handlePositionSync(ctx context.Context, c *ws.Conn, env ws.Envelope) {
	p, derr := decode[positionSyncPayload](env)
	if derr != nil {
		d.sendError(c, derr)
		return
	}
	sess, err := d.registry.Session(ctx, p.SessionID)
	if err != nil {
		d.sendError(c, asWireError(err))
		return
	}
	if rlErr := d.checkRateLimit(c, env.Type); rlErr != nil {
		d.sendError(c, rlErr)
		return
	}

	driftMs, shouldCorrect := d.syncEngine.CheckDrift(p.PositionMs, sess.PositionMs)
	if !shouldCorrect {
		return
	}

	corr, err := ws.NewEnvelope(ws.EventPositionCorrection, positionCorrectionPayload{
		SessionID:          p.SessionID,
		CorrectPositionMs:  sess.PositionMs,
		ReportedPositionMs: p.PositionMs,
		DriftMs:            driftMs,
		ServerTimestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	d.hub.Unicast(c, corr)
}

// OnTick is registered with transport.Engine.OnPosition and fans the
// current position out to every member of the session via the volatile
// delivery path (scrollTick is the one event deliveryModeOf treats as
// droppable).
func (d *Dispatcher) OnTick(sessionID string, positionMs int64, isPlaying bool) {
	tempo := 120
	if sess, err := d.registry.Session(context.Background(), sessionID); err == nil {
		tempo = sess.TempoBPM
	}
	env, err := ws.NewEnvelope(ws.EventScrollTick, scrollTickPayload{
		SessionID:       sessionID,
		PositionMs:      positionMs,
		TempoBPM:        tempo,
		ServerTimestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	d.hub.Broadcast(sessionID, env, nil)
}
