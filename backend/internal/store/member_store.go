package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

// MemberStore 工作区成员名册（MySQL/GORM）。
// 读多写少，上层套了 RosterCache，这里不用自己做缓存。
type MemberStore struct {
	db *gorm.DB
}

func NewMemberStore(db *gorm.DB) *MemberStore {
	return &MemberStore{db: db}
}

// GetMember 查单个成员。不在名册里返回 nil, nil，交给上层缓存空值
func (s *MemberStore) GetMember(ctx context.Context, workspaceID string, userID uint64) (*entity.WorkspaceMember, error) {
	var m entity.WorkspaceMember
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *MemberStore) ListMembers(ctx context.Context, workspaceID string) ([]entity.WorkspaceMember, error) {
	var members []entity.WorkspaceMember
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("joined_at ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
