package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresence(t *testing.T, gateway string) (*miniredis.Miniredis, *PresenceStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewPresenceStore(rdb, gateway, time.Minute)
}

func TestPresenceOnlineOffline(t *testing.T) {
	mr, p := newPresence(t, "gw-1")
	ctx := context.Background()

	require.NoError(t, p.SetOnline(ctx, "alice"))
	gw, online, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "gw-1", gw)
	assert.Equal(t, time.Minute, mr.TTL("im:presence:alice"))

	require.NoError(t, p.SetOffline(ctx, "alice"))
	_, online, err = p.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	// 未上线的用户下线不报错
	require.NoError(t, p.SetOffline(ctx, "bob"))
}

func TestPresenceTTLExpires(t *testing.T) {
	mr, p := newPresence(t, "gw-1")
	ctx := context.Background()
	require.NoError(t, p.SetOnline(ctx, "alice"))

	mr.FastForward(2 * time.Minute)
	_, online, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceOfflineKeepsOtherGateway(t *testing.T) {
	mr, p := newPresence(t, "gw-1")
	ctx := context.Background()
	require.NoError(t, mr.Set("im:presence:alice", "gw-2"))

	require.NoError(t, p.SetOffline(ctx, "alice"))
	gw, online, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "gw-2", gw)
}

func TestPresenceDefaultTTL(t *testing.T) {
	p := NewPresenceStore(nil, "gw", 0)
	assert.Equal(t, 2*time.Minute, p.TTL())
}
