package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// PresenceCache 把房间在线状态镜像到 redis，供其他实例/服务读取。引擎本身不依赖它做判断。
type PresenceCache interface {
	AddMember(ctx context.Context, docID string, m PresenceMember, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb   redis.UniversalClient
	clock clock.PassiveClock
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

func NewRedisPresence(rdb redis.UniversalClient, clk clock.PassiveClock) PresenceCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &redisPresence{rdb: rdb, clock: clk}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, m PresenceMember, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.clock.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: m.UserID})
	tx.HSet(ctx, namesKey(docID), m.UserID, m.DisplayName)
	tx.HSet(ctx, colorsKey(docID), m.UserID, m.Color)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.HDel(ctx, colorsKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// GetCursor 没有光标（或已过期）时返回 nil, nil
func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// lua脚本：清理过期成员
// KEYS[1] = roomKey  KEYS[2] = namesKey  KEYS[3] = colorsKey  ARGV[1] = now (unix seconds)
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.clock.Now().Unix()
	keys := []string{roomKey(docID), namesKey(docID), colorsKey(docID)}
	if err := sweepScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字和颜色
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		m := PresenceMember{UserID: id}
		if i < len(names) && names[i] != nil {
			m.DisplayName, _ = names[i].(string)
		}
		if i < len(colors) && colors[i] != nil {
			m.Color, _ = colors[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}
