package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 在线成员镜像：给其他服务查询“谁正在编辑这篇笔记”。
// 协作协议本身以内存中的在线状态为准，这里写失败只记日志。
type PresenceCache interface {
	AddMember(ctx context.Context, noteID, connID string, userID uint64, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, noteID, connID string) error
	OnlineUsers(ctx context.Context, noteID string) ([]OnlineUser, error)
}

type OnlineUser struct {
	UserID      uint64 `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// 具体实现：基于 redis 的 PresenceCache（单机 / 集群客户端都可以）
type redisPresence struct {
	rdb redis.UniversalClient
}

var _ PresenceCache = (*redisPresence)(nil)

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员：score(expireAt) <= now 的连接从 ZSet 和 Hash 同时删除
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(noteID)
-- KEYS[2] = namesKey(noteID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 登记或续期（重复调用即刷新 TTL）
func (p *redisPresence) AddMember(ctx context.Context, noteID, connID string, userID uint64, displayName string, ttl time.Duration) error {
	ident, err := json.Marshal(OnlineUser{UserID: userID, DisplayName: displayName})
	if err != nil {
		return err
	}
	// ZSET score 使用 expireAt（Unix 秒），表达逻辑 TTL；键本身也带过期，房间没人续期时整体消失
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(noteID), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, namesKey(noteID), connID, ident)
	tx.Expire(ctx, roomKey(noteID), 2*ttl)
	tx.Expire(ctx, namesKey(noteID), 2*ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, noteID, connID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(noteID), connID)
	tx.HDel(ctx, namesKey(noteID), connID)
	_, err := tx.Exec(ctx)
	return err
}

// OnlineUsers 先清理过期连接，再按用户去重返回（同一用户可能有多个连接）
func (p *redisPresence) OnlineUsers(ctx context.Context, noteID string) ([]OnlineUser, error) {
	now := time.Now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(noteID), namesKey(noteID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(noteID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	idents, err := p.rdb.HMGet(ctx, namesKey(noteID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(idents))
	users := make([]OnlineUser, 0, len(idents))
	for _, v := range idents {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var u OnlineUser
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			continue
		}
		if _, dup := seen[u.UserID]; dup {
			continue
		}
		seen[u.UserID] = struct{}{}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}
