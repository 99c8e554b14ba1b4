package store

import (
	"context"
	"testing"

	"github.com/agent-racer/coordinator/internal/session"
	"github.com/rs/zerolog"
)

func newTestMemoryStore() *MemoryStore {
	return NewMemoryStore(zerolog.Nop())
}

func TestMemoryStoreCreateAndGetSession(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "room-1", session.Default("room-1", 4))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.ID != "room-1" {
		t.Errorf("ID = %q, want room-1", created.ID)
	}

	got, ok, err := s.GetSession(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if got == created {
		t.Error("GetSession returned the stored pointer instead of a clone")
	}
	if got.TempoBPM != 120 {
		t.Errorf("TempoBPM = %d, want 120", got.TempoBPM)
	}
}

func TestMemoryStoreCreateSessionDuplicate(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "room-1", session.Default("room-1", 4)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, "room-1", session.Default("room-1", 4)); err != errAlreadyExists {
		t.Errorf("second CreateSession err = %v, want errAlreadyExists", err)
	}
}

func TestMemoryStoreUpdateSessionAppliesPatch(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, "room-1", session.Default("room-1", 4))

	tempo := 140
	updated, ok, err := s.UpdateSession(ctx, "room-1", SessionPatch{TempoBPM: &tempo})
	if err != nil || !ok {
		t.Fatalf("UpdateSession: ok=%v err=%v", ok, err)
	}
	if updated.TempoBPM != 140 {
		t.Errorf("TempoBPM = %d, want 140", updated.TempoBPM)
	}

	if _, ok, err := s.UpdateSession(ctx, "missing", SessionPatch{}); ok || err != nil {
		t.Errorf("UpdateSession(missing) ok=%v err=%v, want false nil", ok, err)
	}
}

func TestMemoryStoreMembersAndCapacity(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, "room-1", session.Default("room-1", 2))

	m1 := &session.Member{ConnectionID: "c1", SessionID: "room-1", Role: session.RoleFollower}
	if _, ok, err := s.AddMember(ctx, "room-1", m1); err != nil || !ok {
		t.Fatalf("AddMember: ok=%v err=%v", ok, err)
	}

	count, err := s.MemberCount(ctx, "room-1")
	if err != nil || count != 1 {
		t.Fatalf("MemberCount = %d, err=%v, want 1", count, err)
	}

	got, ok, err := s.GetMember(ctx, "room-1", "c1")
	if err != nil || !ok {
		t.Fatalf("GetMember: ok=%v err=%v", ok, err)
	}
	if got.ConnectionID != "c1" {
		t.Errorf("ConnectionID = %q, want c1", got.ConnectionID)
	}

	removed, ok, err := s.RemoveMember(ctx, "room-1", "c1")
	if err != nil || !ok || removed.ConnectionID != "c1" {
		t.Fatalf("RemoveMember: ok=%v err=%v removed=%+v", ok, err, removed)
	}

	if _, ok, _ := s.GetMember(ctx, "room-1", "c1"); ok {
		t.Error("member should be gone after RemoveMember")
	}
}

func TestMemoryStoreDeleteSessionCascades(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, "room-1", session.Default("room-1", 4))
	s.AddMember(ctx, "room-1", &session.Member{ConnectionID: "c1", SessionID: "room-1"})

	ok, err := s.DeleteSession(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("DeleteSession: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := s.GetSession(ctx, "room-1"); ok {
		t.Error("session should be gone")
	}
	n, _ := s.MemberCount(ctx, "room-1")
	if n != 0 {
		t.Errorf("MemberCount after delete = %d, want 0", n)
	}
}

func TestMemoryStoreConnectionIndex(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()

	if err := s.SetSessionByConnection(ctx, "c1", "room-1"); err != nil {
		t.Fatalf("SetSessionByConnection: %v", err)
	}
	id, ok, err := s.GetSessionByConnection(ctx, "c1")
	if err != nil || !ok || id != "room-1" {
		t.Fatalf("GetSessionByConnection = %q ok=%v err=%v", id, ok, err)
	}

	if err := s.DeleteConnectionIndex(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConnectionIndex: %v", err)
	}
	if _, ok, _ := s.GetSessionByConnection(ctx, "c1"); ok {
		t.Error("connection index should be gone")
	}
}

func TestMemoryStoreLeaderRequestsFIFO(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()

	s.AddLeaderRequest(ctx, &session.LeaderRequest{SessionID: "room-1", RequesterID: "c1"})
	s.AddLeaderRequest(ctx, &session.LeaderRequest{SessionID: "room-1", RequesterID: "c2"})

	reqs, err := s.ListLeaderRequests(ctx, "room-1")
	if err != nil || len(reqs) != 2 {
		t.Fatalf("ListLeaderRequests len=%d err=%v, want 2", len(reqs), err)
	}

	ok, err := s.RemoveLeaderRequest(ctx, "room-1", "c1")
	if err != nil || !ok {
		t.Fatalf("RemoveLeaderRequest: ok=%v err=%v", ok, err)
	}
	reqs, _ = s.ListLeaderRequests(ctx, "room-1")
	if len(reqs) != 1 || reqs[0].RequesterID != "c2" {
		t.Fatalf("unexpected remaining requests: %+v", reqs)
	}
}

func TestMemoryStorePubSub(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()

	received := make(chan string, 1)
	unsubscribe, err := s.SubscribeToSession(ctx, "room-1", func(event string, payload []byte) {
		received <- event
	})
	if err != nil {
		t.Fatalf("SubscribeToSession: %v", err)
	}
	defer unsubscribe()

	if err := s.PublishToSession(ctx, "room-1", "positionSync", nil); err != nil {
		t.Fatalf("PublishToSession: %v", err)
	}

	select {
	case ev := <-received:
		if ev != "positionSync" {
			t.Errorf("event = %q, want positionSync", ev)
		}
	default:
		t.Fatal("handler was not invoked synchronously")
	}

	unsubscribe()
	select {
	case <-received:
		t.Fatal("should not receive after unsubscribe")
	default:
	}
	if err := s.PublishToSession(ctx, "room-1", "positionSync", nil); err != nil {
		t.Fatalf("PublishToSession after unsubscribe: %v", err)
	}
}

func TestMemoryStoreSnapshot(t *testing.T) {
	s := newTestMemoryStore()
	ctx := context.Background()
	s.CreateSession(ctx, "room-1", session.Default("room-1", 4))
	s.AddMember(ctx, "room-1", &session.Member{ConnectionID: "c1", SessionID: "room-1"})
	s.AddLeaderRequest(ctx, &session.LeaderRequest{SessionID: "room-1", RequesterID: "c1"})

	sessions, members, requests := s.Snapshot()
	if len(sessions) != 1 || len(members["room-1"]) != 1 || len(requests["room-1"]) != 1 {
		t.Fatalf("unexpected snapshot shape: sessions=%d members=%d requests=%d",
			len(sessions), len(members["room-1"]), len(requests["room-1"]))
	}

	sessions["room-1"].TempoBPM = 999
	got, _, _ := s.GetSession(ctx, "room-1")
	if got.TempoBPM == 999 {
		t.Error("mutating snapshot affected live store")
	}
}

func TestMemoryStoreHealthCheckAlwaysTrue(t *testing.T) {
	s := newTestMemoryStore()
	if !s.HealthCheck(context.Background()) {
		t.Error("in-memory store should always report healthy")
	}
}
