package role

import (
	"context"
	"testing"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	backend := store.NewMemoryStore(zerolog.Nop())
	return New(func() store.Store { return backend }, zerolog.Nop()), backend
}

func joinMember(t *testing.T, backend store.Store, sessionID, connID string, joinedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, ok, _ := backend.GetSession(ctx, sessionID); !ok {
		backend.CreateSession(ctx, sessionID, session.Default(sessionID, 8))
	}
	backend.AddMember(ctx, sessionID, &session.Member{
		ConnectionID: connID,
		SessionID:    sessionID,
		JoinedAt:     joinedAt,
	})
}

func TestRequestLeaderGrantedWhenNoLeader(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())

	sess, err := m.RequestLeader(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("RequestLeader: %v", err)
	}
	if sess.LeaderConnectionID != "c1" {
		t.Errorf("LeaderConnectionID = %q, want c1", sess.LeaderConnectionID)
	}
}

func TestRequestLeaderQueuesWhenLeaderExists(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")

	sess, err := m.RequestLeader(ctx, "room-1", "c2")
	if err != nil {
		t.Fatalf("RequestLeader: %v", err)
	}
	if sess.LeaderConnectionID != "c1" {
		t.Error("leadership should not change on a queued request")
	}
	reqs, _ := backend.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 1 || reqs[0].RequesterID != "c2" {
		t.Fatalf("unexpected pending requests: %+v", reqs)
	}
}

func TestRequestLeaderImmediateAssignmentClearsRequesterOwnStaleRequest(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())

	// A stale request can only exist once assignLeader has run at least
	// once; seed one directly to simulate a record left behind by an
	// earlier, already-superseded handoff.
	backend.AddLeaderRequest(ctx, &session.LeaderRequest{SessionID: "room-1", RequesterID: "c1", RequestedAt: time.Now()})

	sess, err := m.RequestLeader(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("RequestLeader: %v", err)
	}
	if sess.LeaderConnectionID != "c1" {
		t.Fatalf("LeaderConnectionID = %q, want c1", sess.LeaderConnectionID)
	}
	reqs, _ := backend.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 0 {
		t.Errorf("expected immediate assignment to clear pending requests, got %+v", reqs)
	}
}

func TestRequestLeaderUnknownMember(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	backend.CreateSession(ctx, "room-1", session.Default("room-1", 8))

	_, err := m.RequestLeader(ctx, "room-1", "ghost")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeMemberNotFound {
		t.Fatalf("err = %v, want MEMBER_NOT_FOUND", err)
	}
}

func TestApproveLeaderRequestTransfers(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")
	m.RequestLeader(ctx, "room-1", "c2")

	sess, err := m.ApproveLeaderRequest(ctx, "room-1", "c1", "c2")
	if err != nil {
		t.Fatalf("ApproveLeaderRequest: %v", err)
	}
	if sess.LeaderConnectionID != "c2" {
		t.Errorf("LeaderConnectionID = %q, want c2", sess.LeaderConnectionID)
	}
	reqs, _ := backend.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 0 {
		t.Errorf("expected no pending requests after approval, got %+v", reqs)
	}
}

func TestApproveLeaderRequestRejectsNonLeaderCaller(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")
	m.RequestLeader(ctx, "room-1", "c2")

	_, err := m.ApproveLeaderRequest(ctx, "room-1", "c2", "c2")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeInsufficient {
		t.Fatalf("err = %v, want INSUFFICIENT_ROLE", err)
	}
}

func TestApproveLeaderRequestNoPending(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")

	_, err := m.ApproveLeaderRequest(ctx, "room-1", "c1", "c2")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeNoPending {
		t.Fatalf("err = %v, want NO_PENDING_REQUEST", err)
	}
}

func TestDenyLeaderRequest(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")
	m.RequestLeader(ctx, "room-1", "c2")

	if err := m.DenyLeaderRequest(ctx, "room-1", "c1", "c2"); err != nil {
		t.Fatalf("DenyLeaderRequest: %v", err)
	}
	sess, _, _ := backend.GetSession(ctx, "room-1")
	if sess.LeaderConnectionID != "c1" {
		t.Error("leadership should not change on denial")
	}
	reqs, _ := backend.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 0 {
		t.Errorf("expected request removed, got %+v", reqs)
	}
}

func TestApproveLeaderRequestPausesIfPlaying(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")
	m.RequestLeader(ctx, "room-1", "c2")
	playing := true
	backend.UpdateSession(ctx, "room-1", store.SessionPatch{IsPlaying: &playing})

	sess, err := m.ApproveLeaderRequest(ctx, "room-1", "c1", "c2")
	if err != nil {
		t.Fatalf("ApproveLeaderRequest: %v", err)
	}
	if sess.IsPlaying {
		t.Error("leader transfer while playing must pause the session")
	}
}

func TestHandleDisconnectPromotesSeniorMember(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	joinMember(t, backend, "room-1", "c1", base)
	joinMember(t, backend, "room-1", "c2", base.Add(time.Second))
	joinMember(t, backend, "room-1", "c3", base.Add(2*time.Second))
	m.RequestLeader(ctx, "room-1", "c1")
	backend.RemoveMember(ctx, "room-1", "c1")

	sess, err := m.HandleDisconnect(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if sess.LeaderConnectionID != "c2" {
		t.Errorf("LeaderConnectionID = %q, want c2 (next senior member)", sess.LeaderConnectionID)
	}
}

func TestHandleDisconnectPromotionPausesIfPlaying(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	joinMember(t, backend, "room-1", "c1", base)
	joinMember(t, backend, "room-1", "c2", base.Add(time.Second))
	m.RequestLeader(ctx, "room-1", "c1")
	playing := true
	backend.UpdateSession(ctx, "room-1", store.SessionPatch{IsPlaying: &playing})
	backend.RemoveMember(ctx, "room-1", "c1")

	sess, err := m.HandleDisconnect(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if sess.IsPlaying {
		t.Error("automatic takeover while playing must pause the session")
	}
}

func TestHandleDisconnectPromotionClearsOrphanedLeaderRequest(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	base := time.Now()
	joinMember(t, backend, "room-1", "c1", base)
	joinMember(t, backend, "room-1", "c2", base.Add(time.Second))
	joinMember(t, backend, "room-1", "c3", base.Add(2*time.Second))
	m.RequestLeader(ctx, "room-1", "c1")

	// c3 asked to lead while c1 was still in charge; before c3's request is
	// resolved, c1 disconnects and c2 (the senior remaining member) is
	// auto-promoted instead. c3's request now targets a handoff that never
	// happens and must not survive the leader change.
	if _, err := m.RequestLeader(ctx, "room-1", "c3"); err != nil {
		t.Fatalf("RequestLeader: %v", err)
	}
	backend.RemoveMember(ctx, "room-1", "c1")

	sess, err := m.HandleDisconnect(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if sess.LeaderConnectionID != "c2" {
		t.Fatalf("LeaderConnectionID = %q, want c2", sess.LeaderConnectionID)
	}
	reqs, _ := backend.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 0 {
		t.Errorf("expected senior-member promotion to clear orphaned leader requests, got %+v", reqs)
	}
}

func TestHandleDisconnectNonLeaderIsNoop(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	joinMember(t, backend, "room-1", "c2", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")

	sess, err := m.HandleDisconnect(ctx, "room-1", "c2")
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if sess.LeaderConnectionID != "c1" {
		t.Error("leadership should be unaffected when a non-leader disconnects")
	}
}

func TestHandleDisconnectLastMemberClearsLeader(t *testing.T) {
	m, backend := newTestManager(t)
	ctx := context.Background()
	joinMember(t, backend, "room-1", "c1", time.Now())
	m.RequestLeader(ctx, "room-1", "c1")
	backend.RemoveMember(ctx, "room-1", "c1")

	sess, err := m.HandleDisconnect(ctx, "room-1", "c1")
	if err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}
	if sess.HasLeader() {
		t.Error("session should have no leader once it has no members")
	}
}
