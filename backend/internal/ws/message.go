package ws

import (
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
)

// ClientMessage 入站消息。type 决定哪些字段有效：
//
//	heartbeat       status/page/cursor
//	openOrder       orderId
//	closeOrder      -
//	requestLock     -
//	releaseLock     -
//	submitEdit      fieldPath + value
//	undo / redo     -
//	resolveConflict fieldPath + value（value 是裁决后保留的值）
//	showPresence    -
type ClientMessage struct {
	Type      string                `json:"type"`
	OrderID   string                `json:"orderId,omitempty"`
	FieldPath string                `json:"fieldPath,omitempty"`
	Value     string                `json:"value,omitempty"`
	Status    string                `json:"status,omitempty"`
	Page      string                `json:"page,omitempty"`
	Cursor    *cache.CursorPosition `json:"cursor,omitempty"`
}

// ServerMessage 服务端主动回的应答/提示。广播事件（presence/lock/
// edit/conflict/banner/saved）不走这个结构，collab 的事件自带 type
// 字段，原样 WriteJSON 下发。
type ServerMessage struct {
	Type     string                `json:"type"`
	OrderID  string                `json:"orderId,omitempty"`
	Code     string                `json:"code,omitempty"`
	Content  string                `json:"content,omitempty"`
	Version  uint64                `json:"version,omitempty"`
	Snapshot *collab.OrderSnapshot `json:"snapshot,omitempty"`
	Edit     *collab.OrderEdit     `json:"edit,omitempty"`
	Members  []cache.PresenceEntry `json:"members,omitempty"`
}

// 出站统一实现 collab.Event，send 通道里应答和广播事件混着走
func (m ServerMessage) EventType() string { return m.Type }
