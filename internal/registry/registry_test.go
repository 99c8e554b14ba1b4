package registry

import (
	"context"
	"testing"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/rs/zerolog"
)

func newTestRegistry(cfg Config) (*Registry, store.Store) {
	backend := store.NewMemoryStore(zerolog.Nop())
	r := New(cfg, func() store.Store { return backend }, zerolog.Nop())
	return r, backend
}

func TestJoinSessionCreatesWithLeaderRole(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	ctx := context.Background()

	sess, member, err := r.JoinSession(ctx, "room-1", "c1", "Alice")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if member.Role != "leader" {
		t.Errorf("first joiner role = %q, want leader", member.Role)
	}
	if sess.LeaderConnectionID != "c1" {
		t.Errorf("LeaderConnectionID = %q, want c1", sess.LeaderConnectionID)
	}
}

func TestJoinSessionSecondMemberIsFollower(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	ctx := context.Background()

	r.JoinSession(ctx, "room-1", "c1", "Alice")
	_, member, err := r.JoinSession(ctx, "room-1", "c2", "Bob")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if member.Role != "follower" {
		t.Errorf("second joiner role = %q, want follower", member.Role)
	}
}

func TestJoinSessionEnforcesCapacity(t *testing.T) {
	r, _ := newTestRegistry(Config{DefaultMaxMembers: 1})
	ctx := context.Background()

	if _, _, err := r.JoinSession(ctx, "room-1", "c1", "Alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, _, err := r.JoinSession(ctx, "room-1", "c2", "Bob")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeSessionFull {
		t.Fatalf("err = %v, want SESSION_FULL", err)
	}
}

func TestLeaveSessionRemovesMember(t *testing.T) {
	r, backend := newTestRegistry(Config{})
	ctx := context.Background()

	r.JoinSession(ctx, "room-1", "c1", "Alice")
	if err := r.LeaveSession(ctx, "room-1", "c1"); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if _, ok, _ := backend.GetMember(ctx, "room-1", "c1"); ok {
		t.Error("member should be removed")
	}
	if _, ok, _ := backend.GetSessionByConnection(ctx, "c1"); ok {
		t.Error("connection index should be cleared")
	}
}

func TestLeaveSessionMemberNotFound(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	err := r.LeaveSession(context.Background(), "room-1", "ghost")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeMemberNotFound {
		t.Fatalf("err = %v, want MEMBER_NOT_FOUND", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Session(context.Background(), "nope")
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeSessionNotFound {
		t.Fatalf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestSweepEvictsEmptySessionAfterGrace(t *testing.T) {
	r, backend := newTestRegistry(Config{EmptyGraceTTL: time.Millisecond})
	ctx := context.Background()

	r.JoinSession(ctx, "room-1", "c1", "Alice")
	r.LeaveSession(ctx, "room-1", "c1")

	r.sweepOnce(ctx) // LeaveSession already recorded emptySince; grace may not have elapsed yet
	time.Sleep(5 * time.Millisecond)
	r.sweepOnce(ctx) // by now the grace period has certainly elapsed

	if _, ok, _ := backend.GetSession(ctx, "room-1"); ok {
		t.Error("empty session should have been swept")
	}
}

func TestSweepLeavesActiveSessionAlone(t *testing.T) {
	r, backend := newTestRegistry(Config{IdleTTL: time.Hour, EmptyGraceTTL: time.Millisecond})
	ctx := context.Background()

	r.JoinSession(ctx, "room-1", "c1", "Alice")
	r.sweepOnce(ctx)

	if _, ok, _ := backend.GetSession(ctx, "room-1"); !ok {
		t.Error("session with an active member should not be swept")
	}
}

func TestSweepEvictsIdleSessionWithMembers(t *testing.T) {
	r, backend := newTestRegistry(Config{IdleTTL: time.Millisecond})
	ctx := context.Background()

	r.JoinSession(ctx, "room-1", "c1", "Alice")
	time.Sleep(5 * time.Millisecond)
	r.sweepOnce(ctx)

	if _, ok, _ := backend.GetSession(ctx, "room-1"); ok {
		t.Error("idle session should have been swept even with members present")
	}
}
