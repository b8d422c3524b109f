package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

const (
	rosterBaseTTL = 24 * time.Hour   // 基础过期时间
	rosterJitter  = 60 * time.Minute // 随机抖动范围，防止缓存雪崩
	nullMarker    = "__none__"       // 空值标记，防止缓存穿透
	nullTTL       = 5 * time.Minute
)

// 获取随机TTL，防止缓存雪崩
func rosterTTL() time.Duration {
	return rosterBaseTTL + time.Duration(rand.Int63n(int64(rosterJitter)))
}

// MemberSource 回源接口：缓存未命中时去数据库查成员元数据。
// nil, nil 表示成员不存在（会写空值标记）。
type MemberSource interface {
	GetMember(ctx context.Context, wsID string, userID uint64) (*entity.WorkspaceMember, error)
}

// RosterCache 成员展示元数据的旁路缓存（cache-aside）。
// 身份/名册本身由外部服务维护，这里只加速展示查询。
type RosterCache struct {
	rdb    *redis.Client
	sf     singleflight.Group
	source MemberSource
}

func NewRosterCache(rdb *redis.Client, source MemberSource) *RosterCache {
	return &RosterCache{rdb: rdb, source: source}
}

func (r *RosterCache) readCache(ctx context.Context, key string) (*entity.WorkspaceMember, bool, error) {
	res, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if res == nullMarker {
		// 空值命中：成员确实不存在
		return nil, true, nil
	}
	var m entity.WorkspaceMember
	if err := json.Unmarshal([]byte(res), &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (r *RosterCache) writeCache(ctx context.Context, key string, m *entity.WorkspaceMember) error {
	if m == nil {
		return r.rdb.Set(ctx, key, nullMarker, nullTTL).Err()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key, b, rosterTTL()).Err()
}

// GetMember 查询成员展示元数据（Singleflight + 旁路缓存 + 空值标记）。
// 成员不存在时返回 nil, nil。
func (r *RosterCache) GetMember(ctx context.Context, wsID string, userID uint64) (*entity.WorkspaceMember, error) {
	key := memberKey(wsID, userID)

	// 使用 Singleflight 包裹整个流程，同一个 key 的并发回源只打一次数据库
	val, err, _ := r.sf.Do(key, func() (interface{}, error) {
		m, hit, err := r.readCache(ctx, key)
		if err != nil {
			return nil, err
		}
		if hit {
			return m, nil
		}

		// 回源 (Redis Miss)，查数据库
		m, err = r.source.GetMember(ctx, wsID, userID)
		if err != nil {
			return nil, err
		}
		if err := r.writeCache(ctx, key, m); err != nil {
			// 缓存写失败不影响主流程
			return m, nil
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	// 使用断言确保不会panic
	if m, ok := val.(*entity.WorkspaceMember); ok {
		return m, nil
	}
	return nil, errors.New("internal type error")
}
