package collab

import (
	"time"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
)

// 推给客户端的事件类型常量（Event.Type 固定取这些值）
const (
	EventPresence = "presence"
	EventLock     = "lock"
	EventEdit     = "edit"
	EventConflict = "conflict"
	EventBanner   = "banner"
	EventSaved    = "saved"
)

// Event 会话出站事件接口。ws 层直接 WriteJSON，各事件自带 type 字段
type Event interface {
	EventType() string
}

// 隐式实现（继承） Event 接口
func (e PresenceEvent) EventType() string { return e.Type }
func (e LockEvent) EventType() string     { return e.Type }
func (e EditEvent) EventType() string     { return e.Type }
func (e ConflictEvent) EventType() string { return e.Type }
func (e BannerEvent) EventType() string   { return e.Type }
func (e SavedEvent) EventType() string    { return e.Type }

// PresenceEvent 某个成员的在线状态/光标变化。整条 entry 直接透传，
// 接收端按 entry.lastActivity 做 last-write-wins，旧的丢弃。
type PresenceEvent struct {
	Type        string              `json:"type"`
	WorkspaceID string              `json:"workspaceId"`
	Entry       cache.PresenceEntry `json:"entry"`
}

// 锁变化原因
const (
	LockReasonAcquired = "acquired"
	LockReasonReleased = "released"
	LockReasonExpired  = "expired"
	LockReasonRenewed  = "renewed"
)

type LockEvent struct {
	Type        string    `json:"type"`
	WorkspaceID string    `json:"workspaceId"`
	OrderID     string    `json:"orderId"`
	Locked      bool      `json:"locked"`
	HolderID    uint64    `json:"holderId,omitempty"`
	HolderName  string    `json:"holderName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Reason      string    `json:"reason"`
}

// EditEvent 一次已接受的编辑。广播给房间内其他连接；
// 接收端应用成功后也会把它转发到自己的 UI。
type EditEvent struct {
	Type string    `json:"type"`
	Edit OrderEdit `json:"edit"`
}

// ConflictEvent 只投递给检测到分叉的本会话，绝不广播
type ConflictEvent struct {
	Type     string         `json:"type"`
	OrderID  string         `json:"orderId"`
	Conflict ConflictRecord `json:"conflict"`
}

// 横幅级别
const (
	BannerInfo  = "info"
	BannerWarn  = "warn"
	BannerError = "error"
)

// BannerEvent 给 UI 的提示条（锁被占用、保存失败这类人话提示）
type BannerEvent struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SavedEvent struct {
	Type             string    `json:"type"`
	OrderID          string    `json:"orderId"`
	CommittedVersion uint64    `json:"committedVersion"`
	SavedAt          time.Time `json:"savedAt"`
}
