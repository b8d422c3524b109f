package entity

import "time"

// GroupOrder 拼单记录：被协作编辑的对象。
// Fields 是整个配置的字段表（JSON 文本，map[string]string），
// 字段级的并发控制在 collab 引擎里做，存储层只负责“最后一次提交赢”。
type GroupOrder struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	WorkspaceID string `gorm:"index;type:varchar(64)"`
	Title       string `gorm:"type:varchar(255)"`
	Fields      string `gorm:"type:text"`
	// 已提交版本号，每次落库 +1（和会话内的本地版本号是两回事）
	Version   uint64 `gorm:"default:0"`
	UpdatedBy uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}
