package session

import (
	"testing"
	"time"
)

func TestDefaultSession(t *testing.T) {
	s := Default("s1", 0)
	if s.TempoBPM != 120 {
		t.Errorf("TempoBPM = %d, want 120", s.TempoBPM)
	}
	if s.IsPlaying {
		t.Error("IsPlaying = true, want false")
	}
	if s.Settings.MaxMembers != 8 {
		t.Errorf("MaxMembers = %d, want 8 (default)", s.Settings.MaxMembers)
	}
}

func TestSessionIsLeader(t *testing.T) {
	s := Default("s1", 4)
	if s.HasLeader() {
		t.Fatal("new session should have no leader")
	}
	s.LeaderConnectionID = "c1"
	if !s.IsLeader("c1") {
		t.Error("IsLeader(c1) = false, want true")
	}
	if s.IsLeader("c2") {
		t.Error("IsLeader(c2) = true, want false")
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := Default("s1", 4)
	c := s.Clone()
	c.TempoBPM = 200
	if s.TempoBPM == 200 {
		t.Error("mutating clone affected original")
	}
}

func TestSeniorOf(t *testing.T) {
	base := time.Now()
	a := &Member{ConnectionID: "b", JoinedAt: base}
	b := &Member{ConnectionID: "a", JoinedAt: base}
	c := &Member{ConnectionID: "z", JoinedAt: base.Add(time.Second)}

	senior := SeniorOf([]*Member{c, a, b})
	if senior.ConnectionID != "a" {
		t.Errorf("senior = %q, want %q (tie broken lexicographically)", senior.ConnectionID, "a")
	}
}

func TestSeniorOfEmpty(t *testing.T) {
	if SeniorOf(nil) != nil {
		t.Error("SeniorOf(nil) should be nil")
	}
}

func TestSeniorOfEarliestWins(t *testing.T) {
	base := time.Now()
	early := &Member{ConnectionID: "z", JoinedAt: base}
	late := &Member{ConnectionID: "a", JoinedAt: base.Add(time.Minute)}

	senior := SeniorOf([]*Member{late, early})
	if senior.ConnectionID != "z" {
		t.Errorf("senior = %q, want %q (earliest joinedAt)", senior.ConnectionID, "z")
	}
}
