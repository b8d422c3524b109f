package collab

import (
	"fmt"
	"sync/atomic"
	"time"
)

// OrderEdit 一次整字段编辑。不做字符级合并，old_value 就是发起方
// 提交瞬间看到的完整旧值，接收端拿它和自己的当前值比对来发现分叉。
type OrderEdit struct {
	EditID      string `json:"editId"`
	WorkspaceID string `json:"workspaceId"`
	OrderID     string `json:"orderId"`
	ActorID     uint64 `json:"actorId"`
	ActorName   string `json:"actorName,omitempty"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId"`
	// 针对同一个 clientId 的"本地递增序号"，接收端用它去重/防乱序
	ClientSeq uint64 `json:"clientSeq"`
	FieldPath string `json:"fieldPath"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
	// 发起方应用本次编辑后的本地版本号（仅诊断用，接收端不拿它做判定）
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// ConflictRecord 未决冲突。只在检测到分叉的那个会话本地生成，
// 不会广播出去；同一字段只保留最近一次分叉。
type ConflictRecord struct {
	OrderID         string    `json:"orderId"`
	FieldPath       string    `json:"fieldPath"`
	LocalValue      string    `json:"localValue"`
	RemoteValue     string    `json:"remoteValue"`
	RemoteActorID   uint64    `json:"remoteActorId"`
	RemoteActorName string    `json:"remoteActorName,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

var editCounter uint64

// newEditID 进程内唯一即可，格式便于日志 grep
func newEditID() string {
	n := atomic.AddUint64(&editCounter, 1)
	return fmt.Sprintf("e-%d-%d", time.Now().UnixMilli(), n)
}
