package collab

import "time"

// OrderEditEvent 投到 Kafka 的"编辑已应用"事件，下游（审计、报表、
// 通知）按需消费。按 orderId 作 key，同一订单的事件落同一分区保序。
type OrderEditEvent struct {
	EventType   string    `json:"eventType"` // 固定 "EDIT_APPLIED"
	WorkspaceID string    `json:"workspaceId"`
	OrderID     string    `json:"orderId"`
	EditID      string    `json:"editId"`
	ActorID     uint64    `json:"actorId"`
	ClientID    string    `json:"clientId"`
	ClientSeq   uint64    `json:"clientSeq"` // 针对同一个 clientId 的"本地递增序号"
	FieldPath   string    `json:"fieldPath"`
	OldValue    string    `json:"oldValue"`
	NewValue    string    `json:"newValue"`
	Version     uint64    `json:"version"`
	AppliedAt   time.Time `json:"appliedAt"`
}

func editEventOf(e OrderEdit) OrderEditEvent {
	return OrderEditEvent{
		EventType:   "EDIT_APPLIED",
		WorkspaceID: e.WorkspaceID,
		OrderID:     e.OrderID,
		EditID:      e.EditID,
		ActorID:     e.ActorID,
		ClientID:    e.ClientID,
		ClientSeq:   e.ClientSeq,
		FieldPath:   e.FieldPath,
		OldValue:    e.OldValue,
		NewValue:    e.NewValue,
		Version:     e.Version,
		AppliedAt:   e.Timestamp,
	}
}
