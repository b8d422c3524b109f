package entity

import "time"

// Workspace 协作空间：成员和可协作编辑的拼单记录都挂在它下面。
// 成员的增删改由外部服务负责，这里只读。
type Workspace struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Name      string `gorm:"type:varchar(255)"`
	Settings  string `gorm:"type:text"` // JSON 文本，前端自定义配置
	CreatedAt time.Time
	UpdatedAt time.Time
}

// 成员角色
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// WorkspaceMember 空间成员：身份 + 角色。
// 编辑资格（canEdit）由鉴权方判断，这里只提供展示元数据。
type WorkspaceMember struct {
	WorkspaceID string `gorm:"primaryKey;type:varchar(64)"`
	UserID      uint64 `gorm:"primaryKey"`
	Username    string `gorm:"type:varchar(255)"`
	DisplayName string `gorm:"type:varchar(255)"`
	Role        string `gorm:"type:varchar(50)"` // owner / editor / viewer
	JoinedAt    time.Time
}
