package cache

import "fmt"

// 键语义：
// - roomKey(wsID):          空间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(wsID):         空间内 userId→username 映射（Hash），断开后保留用于展示
// - entryKey(wsID, userID): 单个成员的在场状态文档（String，JSON，带 TTL）
// - memberKey(wsID, userID): 成员展示元数据缓存（String，JSON，见 roster.go）

// 用 {} 包住 tag：Redis 对整个 Key 只取 {} 内部做 CRC16，
// 这样同一空间的相关 Key 落在同一个 slot 上，Lua 脚本跨键操作才不会出错。
const (
	keyRoomFmt   = "presence:room:{wsID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{wsID:%s}" // Hash<userId -> username>
	keyEntryFmt  = "presence:entry:{wsID:%s}:%d"   // String(JSON PresenceEntry)
	keyMemberFmt = "roster:member:{wsID:%s}:%d"    // String(JSON WorkspaceMember)
)

func roomKey(wsID string) string  { return fmt.Sprintf(keyRoomFmt, wsID) }
func namesKey(wsID string) string { return fmt.Sprintf(keyNamesFmt, wsID) }

func entryKey(wsID string, userID uint64) string { return fmt.Sprintf(keyEntryFmt, wsID, userID) }

func memberKey(wsID string, userID uint64) string { return fmt.Sprintf(keyMemberFmt, wsID, userID) }
