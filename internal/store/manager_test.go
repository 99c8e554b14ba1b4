package store

import (
	"context"
	"testing"
	"time"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/agent-racer/coordinator/internal/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerMemoryKindStaysMemory(t *testing.T) {
	m := NewManager(config.BackendConfig{Kind: "memory"}, zerolog.Nop())
	defer m.Close()

	assert.Equal(t, KindMemory, m.Kind())
	assert.False(t, m.Degraded())
}

func TestManagerFallsBackWhenRedisUnreachable(t *testing.T) {
	m := NewManager(config.BackendConfig{
		RedisAddr:         "127.0.0.1:1", // nothing listens here
		ReconnectInterval: 50 * time.Millisecond,
	}, zerolog.Nop())
	defer m.Close()

	assert.Equal(t, KindMemory, m.Kind())
	assert.True(t, m.Degraded())
}

func TestManagerMigratesToRedisOnceReachable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	m := NewManager(config.BackendConfig{
		RedisAddr:         mr.Addr(),
		ReconnectInterval: 30 * time.Millisecond,
	}, zerolog.Nop())
	defer m.Close()

	require.Eventually(t, func() bool {
		return m.Kind() == KindRedis
	}, 2*time.Second, 10*time.Millisecond, "manager never migrated to redis")
	assert.False(t, m.Degraded())
}

func TestManagerPreservesSessionsAcrossMigration(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	// Start unreachable so the manager boots on memory, then make the
	// address reachable so the health loop migrates the in-memory state
	// into it.
	badAddr := "127.0.0.1:0"
	m := NewManager(config.BackendConfig{
		RedisAddr:         badAddr,
		ReconnectInterval: 30 * time.Millisecond,
	}, zerolog.Nop())
	defer m.Close()

	require.Equal(t, KindMemory, m.Kind())

	ctx := context.Background()
	_, err := m.Current().CreateSession(ctx, "room-1", session.Default("room-1", 4))
	require.NoError(t, err)

	m.mu.Lock()
	m.cfg.RedisAddr = mr.Addr()
	m.mu.Unlock()

	require.Eventually(t, func() bool {
		return m.Kind() == KindRedis
	}, 2*time.Second, 10*time.Millisecond, "manager never migrated to redis")

	got, ok, err := m.Current().GetSession(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "room-1", got.ID)
}

func TestManagerPreservesSessionsAcrossMigrationToMemory(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	m := NewManager(config.BackendConfig{
		Kind:      "redis",
		RedisAddr: mr.Addr(),
	}, zerolog.Nop())
	defer m.Close()

	require.Equal(t, KindRedis, m.Kind())

	ctx := context.Background()
	_, err := m.Current().CreateSession(ctx, "room-2", session.Default("room-2", 4))
	require.NoError(t, err)
	_, _, err = m.Current().AddMember(ctx, "room-2", &session.Member{ConnectionID: "conn-1", SessionID: "room-2", DisplayName: "alice"})
	require.NoError(t, err)
	require.NoError(t, m.Current().AddLeaderRequest(ctx, &session.LeaderRequest{SessionID: "room-2", RequesterID: "conn-1"}))

	// Exercise the redis->memory copy directly rather than via the health
	// loop's failure-detection timing, which this package-internal test
	// doesn't need to reproduce.
	m.migrateToMemory()
	require.Equal(t, KindMemory, m.Kind())

	got, ok, err := m.Current().GetSession(ctx, "room-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "room-2", got.ID)

	members, err := m.Current().ListMembers(ctx, "room-2")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "conn-1", members[0].ConnectionID)

	requests, err := m.Current().ListLeaderRequests(ctx, "room-2")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "conn-1", requests[0].RequesterID)
}
