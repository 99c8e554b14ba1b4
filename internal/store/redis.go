package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agent-racer/coordinator/internal/errs"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout:
//
//	session:{sessionId}                 -> JSON Session
//	session:{sessionId}:members          -> hash connectionId -> JSON Member
//	session:{sessionId}:leader_requests   -> hash connectionId -> JSON LeaderRequest
//	connection:{connectionId}:session     -> sessionId
//
// Each write sets the TTL of the key it writes to RedisConfig.IdleTTL, so an
// abandoned session's state eventually expires on its own. Deletes do not
// refresh TTLs, and a write to one key does not refresh the others.
const (
	opTimeout = 3 * time.Second
)

func sessionKey(id string) string       { return "session:" + id }
func membersKey(id string) string       { return "session:" + id + ":members" }
func leaderRequestsKey(id string) string { return "session:" + id + ":leader_requests" }
func connectionKey(connID string) string { return "connection:" + connID + ":session" }
func channelKey(sessionID string) string { return "session:" + sessionID + ":events" }

// RedisConfig configures the durable Redis-backed Store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	IdleTTL  time.Duration
}

// RedisStore is the durable Store backend: a redis.Client wrapped with
// per-operation context timeouts, a Ping-based HealthCheck, and zerolog for
// operational logging.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	log     zerolog.Logger
	closeCh chan struct{}
}

// NewRedisStore dials Redis and verifies connectivity before returning.
func NewRedisStore(cfg RedisConfig, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     16,
		MinIdleConns: 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis store")

	return &RedisStore{
		client:  client,
		ttl:     ttl,
		log:     log.With().Str("store", "redis").Logger(),
		closeCh: make(chan struct{}),
	}, nil
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// wrapErr wraps every redis client error other than redis.Nil as
// errs.ErrBackendUnavailable. Manager does not inspect the result; its
// fallback is driven by HealthCheck alone.
func wrapErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
}

func (s *RedisStore) CreateSession(ctx context.Context, id string, initial *session.Session) (*session.Session, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	exists, err := s.client.Exists(cctx, sessionKey(id)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if exists > 0 {
		return nil, errAlreadyExists
	}

	cp := initial.Clone()
	cp.ID = id
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(cctx, sessionKey(id), data, s.ttl).Err(); err != nil {
		return nil, wrapErr(err)
	}
	return cp, nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*session.Session, bool, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	data, err := s.client.Get(cctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, true, nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*session.Session, bool, error) {
	sess, ok, err := s.GetSession(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	patch.Apply(sess)

	cctx, cancel := s.ctx()
	defer cancel()
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, false, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(cctx, sessionKey(id), data, s.ttl).Err(); err != nil {
		return nil, false, wrapErr(err)
	}
	return sess, true, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	n, err := s.client.Del(cctx, sessionKey(id), membersKey(id), leaderRequestsKey(id)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	var out []*session.Session
	iter := s.client.Scan(cctx, 0, "session:*", 0).Iterator()
	for iter.Next(cctx) {
		key := iter.Val()
		// Skip the :members and :leader_requests sub-keys of the scan.
		if len(key) > 9 && (hasSuffix(key, ":members") || hasSuffix(key, ":leader_requests")) {
			continue
		}
		data, err := s.client.Get(cctx, key).Bytes()
		if err != nil {
			continue
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		out = append(out, &sess)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (s *RedisStore) AddMember(ctx context.Context, sessionID string, m *session.Member) (*session.Member, bool, error) {
	if _, ok, err := s.GetSession(ctx, sessionID); err != nil || !ok {
		return nil, ok, err
	}

	cctx, cancel := s.ctx()
	defer cancel()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false, fmt.Errorf("marshal member: %w", err)
	}
	if err := s.client.HSet(cctx, membersKey(sessionID), m.ConnectionID, data).Err(); err != nil {
		return nil, false, wrapErr(err)
	}
	s.client.Expire(cctx, membersKey(sessionID), s.ttl)
	return m.Clone(), true, nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, sessionID, connectionID string) (*session.Member, bool, error) {
	m, ok, err := s.GetMember(ctx, sessionID, connectionID)
	if err != nil || !ok {
		return nil, ok, err
	}

	cctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.HDel(cctx, membersKey(sessionID), connectionID).Err(); err != nil {
		return nil, false, wrapErr(err)
	}
	return m, true, nil
}

func (s *RedisStore) GetMember(ctx context.Context, sessionID, connectionID string) (*session.Member, bool, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	data, err := s.client.HGet(cctx, membersKey(sessionID), connectionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	var m session.Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("unmarshal member: %w", err)
	}
	return &m, true, nil
}

func (s *RedisStore) ListMembers(ctx context.Context, sessionID string) ([]*session.Member, error) {
	cctx, cancel := s.ctx()
	defer cancel()

	all, err := s.client.HGetAll(cctx, membersKey(sessionID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*session.Member, 0, len(all))
	for _, data := range all {
		var m session.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *RedisStore) MemberCount(ctx context.Context, sessionID string) (int, error) {
	cctx, cancel := s.ctx()
	defer cancel()
	n, err := s.client.HLen(cctx, membersKey(sessionID)).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return int(n), nil
}

func (s *RedisStore) SetSessionByConnection(ctx context.Context, connectionID, sessionID string) error {
	cctx, cancel := s.ctx()
	defer cancel()
	return wrapErr(s.client.Set(cctx, connectionKey(connectionID), sessionID, s.ttl).Err())
}

func (s *RedisStore) GetSessionByConnection(ctx context.Context, connectionID string) (string, bool, error) {
	cctx, cancel := s.ctx()
	defer cancel()
	id, err := s.client.Get(cctx, connectionKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return id, true, nil
}

func (s *RedisStore) DeleteConnectionIndex(ctx context.Context, connectionID string) error {
	cctx, cancel := s.ctx()
	defer cancel()
	return wrapErr(s.client.Del(cctx, connectionKey(connectionID)).Err())
}

func (s *RedisStore) AddLeaderRequest(ctx context.Context, req *session.LeaderRequest) error {
	cctx, cancel := s.ctx()
	defer cancel()
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal leader request: %w", err)
	}
	if err := s.client.HSet(cctx, leaderRequestsKey(req.SessionID), req.RequesterID, data).Err(); err != nil {
		return wrapErr(err)
	}
	s.client.Expire(cctx, leaderRequestsKey(req.SessionID), s.ttl)
	return nil
}

func (s *RedisStore) RemoveLeaderRequest(ctx context.Context, sessionID, requesterID string) (bool, error) {
	cctx, cancel := s.ctx()
	defer cancel()
	n, err := s.client.HDel(cctx, leaderRequestsKey(sessionID), requesterID).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListLeaderRequests(ctx context.Context, sessionID string) ([]*session.LeaderRequest, error) {
	cctx, cancel := s.ctx()
	defer cancel()
	all, err := s.client.HGetAll(cctx, leaderRequestsKey(sessionID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*session.LeaderRequest, 0, len(all))
	for _, data := range all {
		var r session.LeaderRequest
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	sort.Sort(session.ByArrival(out))
	return out, nil
}

type pubsubPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *RedisStore) PublishToSession(ctx context.Context, sessionID, event string, payload []byte) error {
	cctx, cancel := s.ctx()
	defer cancel()
	data, err := json.Marshal(pubsubPayload{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	return wrapErr(s.client.Publish(cctx, channelKey(sessionID), data).Err())
}

func (s *RedisStore) SubscribeToSession(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	pubsub := s.client.Subscribe(ctx, channelKey(sessionID))
	ch := pubsub.Channel()

	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p pubsubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					s.log.Warn().Err(err).Msg("pubsub payload decode failed")
					continue
				}
				handler(p.Event, p.Payload)
			case <-s.closeCh:
				return
			}
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(cctx).Err() == nil
}

func (s *RedisStore) Close() error {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	return s.client.Close()
}

