package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 在场状态
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// CursorPosition 光标位置（可选），element 指向页面内的具体控件
type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Page    string  `json:"page,omitempty"`
	Element string  `json:"element,omitempty"`
}

// PresenceEntry 一个成员在一个空间里的在场状态。
// 纯易失数据：连接时创建，心跳刷新，超时/断开清除，重连从零初始化。
type PresenceEntry struct {
	WorkspaceID  string          `json:"workspaceId"`
	UserID       uint64          `json:"userId"`
	Username     string          `json:"username,omitempty"`
	Status       string          `json:"status"`
	CurrentPage  string          `json:"currentPage,omitempty"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	LastActivity int64           `json:"lastActivity"` // unix 毫秒，LWW 比较用
}

type PresenceCache interface {
	// Heartbeat 写入/刷新在场状态并续 TTL。
	// 返回 false 表示 entry.LastActivity 比已有记录旧，按 LWW 丢弃（不广播）。
	Heartbeat(ctx context.Context, entry PresenceEntry, ttl time.Duration) (bool, error)
	// Sweep 清理过期成员，返回这一次被判定下线的 userId（调用方据此广播 offline）。
	Sweep(ctx context.Context, wsID string) ([]uint64, error)
	// GetAliveEntries 返回当前在线成员的完整在场状态（内部先 Sweep）。
	GetAliveEntries(ctx context.Context, wsID string) ([]PresenceEntry, error)
	// Disconnect 主动下线：移出在线集合，清光标，保留 last_activity 供展示。
	Disconnect(ctx context.Context, wsID string, userID uint64, lastActivity int64) error
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
	// 断开后 offline 标记保留时长（展示“最后活跃于…”用）
	offlineRetention time.Duration
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb, offlineRetention: 10 * time.Minute}
}

// 在场文档的 LWW 写入：只有更新的 lastActivity 才覆盖，时间戳更旧直接丢弃。
// 容忍乱序到达（at-least-once + 乱序交付时不会把新状态覆盖成旧状态）。
var heartbeatScript = redis.NewScript(`
-- KEYS[1] = entryKey
-- ARGV[1] = lastActivity (unix ms)
-- ARGV[2] = entry json
-- ARGV[3] = ttl (ms)
local cur = redis.call("GET", KEYS[1])
if cur then
	local ok, obj = pcall(cjson.decode, cur)
	if ok and obj and tonumber(obj["lastActivity"]) and tonumber(obj["lastActivity"]) >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func (p *redisPresence) Heartbeat(ctx context.Context, entry PresenceEntry, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	applied, err := heartbeatScript.Run(ctx, p.rdb,
		[]string{entryKey(entry.WorkspaceID, entry.UserID)},
		entry.LastActivity, string(b), ttl.Milliseconds()+p.offlineRetention.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	if applied == 0 {
		// 过期心跳：在线集合也不要动，避免旧包把 expireAt 往回拨
		return false, nil
	}

	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”（= 心跳间隔 × 允许丢失次数）
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(entry.WorkspaceID), redis.Z{Score: float64(expireAt), Member: entry.UserID})
	tx.HSet(ctx, namesKey(entry.WorkspaceID), entry.UserID, entry.Username)
	if _, err := tx.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (p *redisPresence) Sweep(ctx context.Context, wsID string) ([]uint64, error) {
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(wsID)
	-- ARGV[1] = now (unix seconds)
	-- 返回这次被清掉的成员，调用方负责广播 offline

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	end
	return expired
	`

	script := redis.NewScript(luaScript)
	expired, err := script.Run(ctx, p.rdb, []string{roomKey(wsID)}, now).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(expired))
	for _, s := range expired {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uid)
	}
	return ids, nil
}

func (p *redisPresence) GetAliveEntries(ctx context.Context, wsID string) ([]PresenceEntry, error) {
	// step1: 先清过期成员
	if _, err := p.Sweep(ctx, wsID); err != nil {
		return nil, err
	}

	// step2: 查在线成员
	now := time.Now().Unix()
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(wsID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字和在场文档
	names, err := p.rdb.HMGet(ctx, namesKey(wsID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	entryKeys := make([]string, len(aliveIDs))
	idsUint64 := make([]uint64, len(aliveIDs))
	for i, s := range aliveIDs {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		idsUint64[i] = uid
		entryKeys[i] = entryKey(wsID, uid)
	}
	docs, err := p.rdb.MGet(ctx, entryKeys...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	entries := make([]PresenceEntry, 0, len(idsUint64))
	for i, uid := range idsUint64 {
		var e PresenceEntry
		if raw, ok := docs[i].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				e = PresenceEntry{}
			}
		}
		if e.UserID == 0 {
			// 文档缺失（比如刚好过期）：降级成最小状态
			e = PresenceEntry{WorkspaceID: wsID, UserID: uid, Status: StatusOnline}
		}
		if name, ok := names[i].(string); ok && e.Username == "" {
			e.Username = name
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *redisPresence) Disconnect(ctx context.Context, wsID string, userID uint64, lastActivity int64) error {
	// 下线文档：status=offline，光标清掉，last_activity 保留一段时间供展示
	off := PresenceEntry{
		WorkspaceID:  wsID,
		UserID:       userID,
		Status:       StatusOffline,
		LastActivity: lastActivity,
	}
	b, err := json.Marshal(off)
	if err != nil {
		return err
	}

	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(wsID), userID)
	tx.Set(ctx, entryKey(wsID, userID), b, p.offlineRetention)
	// names 哈希不删：离线成员的名字还要显示
	_, err = tx.Exec(ctx)
	return err
}
