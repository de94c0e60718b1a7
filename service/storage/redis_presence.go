package storage

import (
	"context"
	"errors"
	"time"

	"PPGate/service/chat"
	"PPGate/tools/errs"

	"github.com/redis/go-redis/v9"
)

var _ chat.PresenceMirror = (*PresenceStore)(nil)

// presence key: im:presence:<user>
// Value: gateway_id, TTL controls the online validity period
func presenceKey(user string) string { return "im:presence:" + user }

// 只删除本节点写入的在线标记，避免覆盖用户在其他节点上的在线状态
var luaDelIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// PresenceStore 在线状态镜像到 Redis，供其他服务查询
type PresenceStore struct {
	rdb       redis.UniversalClient
	gatewayID string
	ttl       time.Duration
}

func NewPresenceStore(rdb redis.UniversalClient, gatewayID string, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceStore{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

// SetOnline sets the user as online and renews the TTL
func (p *PresenceStore) SetOnline(ctx context.Context, user string) error {
	if err := p.rdb.Set(ctx, presenceKey(user), p.gatewayID, p.ttl).Err(); err != nil {
		return errs.WrapMsg(err, "presence online", "user", user)
	}
	return nil
}

// SetOffline removes the online mark written by this gateway
func (p *PresenceStore) SetOffline(ctx context.Context, user string) error {
	if err := luaDelIfOwner.Run(ctx, p.rdb, []string{presenceKey(user)}, p.gatewayID).Err(); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", user)
	}
	return nil
}

// Lookup checks whether the user is online on any gateway
func (p *PresenceStore) Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "presence lookup", "user", user)
	}
	return val, true, nil
}

func (p *PresenceStore) TTL() time.Duration { return p.ttl }
