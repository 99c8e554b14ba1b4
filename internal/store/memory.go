package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agent-racer/coordinator/internal/session"
	"github.com/rs/zerolog"
)

// MemoryStore is the in-memory Store backend: local maps guarded by a
// single RWMutex, with same-process-only pub/sub. It uses the same
// copy-on-read pattern as a classic in-process session store (RWMutex map,
// clone-before-return), generalized to the full session/member/
// leader-request/connection-index contract.
type MemoryStore struct {
	mu sync.RWMutex

	sessions       map[string]*session.Session
	members        map[string]map[string]*session.Member // sessionID -> connectionID -> Member
	leaderRequests map[string]map[string]*session.LeaderRequest
	connIndex      map[string]string // connectionID -> sessionID

	subs map[string][]subscriber // sessionID -> subscribers

	log zerolog.Logger
}

type subscriber struct {
	id      int
	handler Handler
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]*session.Session),
		members:        make(map[string]map[string]*session.Member),
		leaderRequests: make(map[string]map[string]*session.LeaderRequest),
		connIndex:      make(map[string]string),
		subs:           make(map[string][]subscriber),
		log:            log.With().Str("store", "memory").Logger(),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, id string, initial *session.Session) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, errAlreadyExists
	}
	cp := initial.Clone()
	cp.ID = id
	s.sessions[id] = cp
	return cp.Clone(), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*session.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return sess.Clone(), true, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, id string, patch SessionPatch) (*session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	patch.Apply(sess)
	return sess.Clone(), true, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	delete(s.members, id)
	delete(s.leaderRequests, id)
	delete(s.subs, id)
	return true, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *MemoryStore) AddMember(_ context.Context, sessionID string, m *session.Member) (*session.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, false, nil
	}
	byConn, ok := s.members[sessionID]
	if !ok {
		byConn = make(map[string]*session.Member)
		s.members[sessionID] = byConn
	}
	cp := m.Clone()
	byConn[cp.ConnectionID] = cp
	return cp.Clone(), true, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, sessionID, connectionID string) (*session.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byConn, ok := s.members[sessionID]
	if !ok {
		return nil, false, nil
	}
	m, ok := byConn[connectionID]
	if !ok {
		return nil, false, nil
	}
	delete(byConn, connectionID)
	return m, true, nil
}

func (s *MemoryStore) GetMember(_ context.Context, sessionID, connectionID string) (*session.Member, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byConn, ok := s.members[sessionID]
	if !ok {
		return nil, false, nil
	}
	m, ok := byConn[connectionID]
	if !ok {
		return nil, false, nil
	}
	return m.Clone(), true, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, sessionID string) ([]*session.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byConn := s.members[sessionID]
	out := make([]*session.Member, 0, len(byConn))
	for _, m := range byConn {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) MemberCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[sessionID]), nil
}

func (s *MemoryStore) SetSessionByConnection(_ context.Context, connectionID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connIndex[connectionID] = sessionID
	return nil
}

func (s *MemoryStore) GetSessionByConnection(_ context.Context, connectionID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.connIndex[connectionID]
	return id, ok, nil
}

func (s *MemoryStore) DeleteConnectionIndex(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connIndex, connectionID)
	return nil
}

func (s *MemoryStore) AddLeaderRequest(_ context.Context, req *session.LeaderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReq, ok := s.leaderRequests[req.SessionID]
	if !ok {
		byReq = make(map[string]*session.LeaderRequest)
		s.leaderRequests[req.SessionID] = byReq
	}
	cp := *req
	byReq[req.RequesterID] = &cp
	return nil
}

func (s *MemoryStore) RemoveLeaderRequest(_ context.Context, sessionID, requesterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReq, ok := s.leaderRequests[sessionID]
	if !ok {
		return false, nil
	}
	if _, ok := byReq[requesterID]; !ok {
		return false, nil
	}
	delete(byReq, requesterID)
	return true, nil
}

func (s *MemoryStore) ListLeaderRequests(_ context.Context, sessionID string) ([]*session.LeaderRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byReq := s.leaderRequests[sessionID]
	out := make([]*session.LeaderRequest, 0, len(byReq))
	for _, r := range byReq {
		cp := *r
		out = append(out, &cp)
	}
	sort.Sort(session.ByArrival(out))
	return out, nil
}

// PublishToSession fans event out to same-process subscribers only. There
// is no cross-process delivery in this backend — deployments that need
// that must use RedisStore.
func (s *MemoryStore) PublishToSession(_ context.Context, sessionID, event string, payload []byte) error {
	s.mu.RLock()
	subs := append([]subscriber(nil), s.subs[sessionID]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event, payload)
	}
	return nil
}

func (s *MemoryStore) SubscribeToSession(_ context.Context, sessionID string, handler Handler) (func(), error) {
	s.mu.Lock()
	id := len(s.subs[sessionID])
	s.subs[sessionID] = append(s.subs[sessionID], subscriber{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[sessionID]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) bool {
	return true
}

func (s *MemoryStore) Close() error {
	return nil
}

// Snapshot returns a deep-copied view of every session and its members,
// used by Manager when migrating live state between backends.
func (s *MemoryStore) Snapshot() (map[string]*session.Session, map[string][]*session.Member, map[string][]*session.LeaderRequest) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make(map[string]*session.Session, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess.Clone()
	}

	members := make(map[string][]*session.Member, len(s.members))
	for id, byConn := range s.members {
		list := make([]*session.Member, 0, len(byConn))
		for _, m := range byConn {
			list = append(list, m.Clone())
		}
		members[id] = list
	}

	requests := make(map[string][]*session.LeaderRequest, len(s.leaderRequests))
	for id, byReq := range s.leaderRequests {
		list := make([]*session.LeaderRequest, 0, len(byReq))
		for _, r := range byReq {
			cp := *r
			list = append(list, &cp)
		}
		requests[id] = list
	}

	return sessions, members, requests
}

var errAlreadyExists = &storeError{"session already exists"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
