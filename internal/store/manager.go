package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/rs/zerolog"
)

// Manager owns the active Store backend and transparently migrates between
// Redis and an in-memory fallback. Callers obtain the current backend via
// Current() on every operation rather than holding a Store reference, so a
// migration mid-flight never leaves a caller talking to a stale backend.
type Manager struct {
	cfg config.BackendConfig
	log zerolog.Logger

	mu       sync.RWMutex
	active   Store
	kind     Kind
	degraded bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	migrations atomic.Int64
}

// NewManager connects according to cfg.Kind ("redis", "memory", or empty for
// "try redis, fall back to memory") and starts the background reconnect
// probe that can migrate back to Redis once it recovers.
func NewManager(cfg config.BackendConfig, log zerolog.Logger) *Manager {
	log = log.With().Str("component", "store.manager").Logger()
	m := &Manager{cfg: cfg, log: log}

	switch cfg.Kind {
	case "memory":
		m.active = NewMemoryStore(log)
		m.kind = KindMemory
	case "redis":
		m.connectRedisOrMemory(log, true)
	default:
		m.connectRedisOrMemory(log, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.healthLoop(ctx)

	return m
}

// connectRedisOrMemory attempts Redis and falls back to memory on failure.
// required controls only the log level used for the failure — the fallback
// happens either way, since the coordinator must stay available.
func (m *Manager) connectRedisOrMemory(log zerolog.Logger, required bool) {
	rs, err := NewRedisStore(RedisConfig{
		Addr:     m.cfg.RedisAddr,
		Password: m.cfg.RedisPassword,
		DB:       m.cfg.RedisDB,
	}, log)
	if err != nil {
		ev := log.Warn()
		if required {
			ev = log.Error()
		}
		ev.Err(err).Msg("redis unavailable at startup, falling back to in-memory store")
		m.active = NewMemoryStore(log)
		m.kind = KindMemory
		m.degraded = true
		return
	}
	m.active = rs
	m.kind = KindRedis
	m.degraded = false
}

// Current returns the presently active Store. The returned value must not
// be retained across a call boundary — callers operating across an await
// point should call Current() again rather than cache the result, since a
// migration can swap it out from under them.
func (m *Manager) Current() Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Kind reports which backend is currently serving traffic.
func (m *Manager) Kind() Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kind
}

// Degraded reports whether the manager is running on the in-memory fallback
// because Redis is configured but unreachable.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// Migrations returns the number of backend swaps performed since startup,
// surfaced by TelemetryBus's health report.
func (m *Manager) Migrations() int64 {
	return m.migrations.Load()
}

func (m *Manager) reconnectInterval() time.Duration {
	if m.cfg.ReconnectInterval > 0 {
		return m.cfg.ReconnectInterval
	}
	return 5 * time.Second
}

func (m *Manager) maxRetries() int {
	if m.cfg.ReconnectMaxRetries > 0 {
		return m.cfg.ReconnectMaxRetries
	}
	return 12
}

// redisConfig reads the backend address/credentials under the lock so tests
// (and future dynamic-reconfiguration callers) can swap cfg.RedisAddr
// concurrently with the health loop's reconnect probes.
func (m *Manager) redisConfig() RedisConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return RedisConfig{
		Addr:     m.cfg.RedisAddr,
		Password: m.cfg.RedisPassword,
		DB:       m.cfg.RedisDB,
	}
}

// healthLoop periodically checks the active backend. When running on
// memory with Redis configured, it probes Redis and migrates back once three
// consecutive probes succeed; it stops probing after maxRetries probes per
// stay on memory (the count restarts after each fallback). When running on Redis, it
// watches for HealthCheck failures and migrates down to memory immediately
// so in-flight requests keep working.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.cfg.Kind == "memory" {
		return
	}

	ticker := time.NewTicker(m.reconnectInterval())
	defer ticker.Stop()

	consecutiveOK := 0
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			kind := m.kind
			active := m.active
			m.mu.RUnlock()

			if kind == KindRedis {
				if !active.HealthCheck(ctx) {
					m.log.Warn().Msg("redis health check failed, migrating to in-memory store")
					m.migrateToMemory()
					consecutiveOK = 0
					attempts = 0
				}
				continue
			}

			// Currently on memory with redis configured: probe for recovery,
			// at most maxRetries times.
			if attempts >= m.maxRetries() {
				continue
			}
			attempts++
			probe, err := NewRedisStore(m.redisConfig(), m.log)
			if err != nil {
				consecutiveOK = 0
				continue
			}
			consecutiveOK++
			if consecutiveOK < 3 {
				_ = probe.Close()
				continue
			}
			m.migrateToRedis(probe)
			consecutiveOK = 0
		}
	}
}

// migrateToMemory copies every session, member set, and leader-request set
// out of the outgoing backend into a fresh MemoryStore before swapping it
// in, the same way migrateToRedis copies out of memory into Redis — a
// Redis failure must not silently drop live sessions.
func (m *Manager) migrateToMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.active
	fresh := NewMemoryStore(m.log)
	ctx := context.Background()

	sessions, err := old.ListSessions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("migration: failed to list sessions from outgoing backend")
	}
	for _, sess := range sessions {
		if _, err := fresh.CreateSession(ctx, sess.ID, sess); err != nil {
			m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("migration: failed to copy session to memory")
			continue
		}
		members, err := old.ListMembers(ctx, sess.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("migration: failed to list members from outgoing backend")
		}
		for _, mb := range members {
			if _, _, err := fresh.AddMember(ctx, sess.ID, mb); err != nil {
				m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("migration: failed to copy member to memory")
			}
		}
		requests, err := old.ListLeaderRequests(ctx, sess.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("migration: failed to list leader requests from outgoing backend")
		}
		for _, req := range requests {
			if err := fresh.AddLeaderRequest(ctx, req); err != nil {
				m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("migration: failed to copy leader request to memory")
			}
		}
	}

	m.active = fresh
	m.kind = KindMemory
	m.degraded = true
	m.migrations.Add(1)
	m.log.Info().Msg("migrated to in-memory store")
	go func() { _ = old.Close() }()
}

// migrateToRedis copies every session, member set, and leader-request set
// out of the in-memory backend into freshly connected Redis store before
// swapping it in, so reconnection never loses live state.
func (m *Manager) migrateToRedis(fresh *RedisStore) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mem, ok := m.active.(*MemoryStore); ok {
		sessions, members, requests := mem.Snapshot()
		ctx := context.Background()
		for id, sess := range sessions {
			if _, err := fresh.CreateSession(ctx, id, sess); err != nil {
				m.log.Warn().Err(err).Str("sessionId", id).Msg("migration: failed to copy session to redis")
			}
		}
		for sessionID, list := range members {
			for _, mem := range list {
				if _, _, err := fresh.AddMember(ctx, sessionID, mem); err != nil {
					m.log.Warn().Err(err).Str("sessionId", sessionID).Msg("migration: failed to copy member to redis")
				}
			}
		}
		for _, list := range requests {
			for _, req := range list {
				if err := fresh.AddLeaderRequest(ctx, req); err != nil {
					m.log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("migration: failed to copy leader request to redis")
				}
			}
		}
	}

	old := m.active
	m.active = fresh
	m.kind = KindRedis
	m.degraded = false
	m.migrations.Add(1)
	m.log.Info().Msg("migrated back to redis store")
	go func() { _ = old.Close() }()
}

// Close stops the health loop and closes the active backend.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.Current().Close()
}
