package store

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

// OrderStore 团购订单的权威存储（MySQL/GORM）。
// 写路径只有持锁者的提交保存，采用整行覆盖 + 版本自增：
// 后写的直接盖掉先写的（last-committed-wins），不做行内合并。
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (*entity.GroupOrder, error) {
	var order entity.GroupOrder
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// SaveOrder 覆盖字段表并把版本 +1，返回提交后的版本号
func (s *OrderStore) SaveOrder(ctx context.Context, orderID string, fields map[string]string, updatedBy uint64) (uint64, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return 0, err
	}

	res := s.db.WithContext(ctx).Model(&entity.GroupOrder{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"fields":     string(raw),
			"version":    gorm.Expr("version + 1"),
			"updated_by": updatedBy,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	// 自增发生在数据库侧，读回落库后的版本
	var order entity.GroupOrder
	if err := s.db.WithContext(ctx).Select("version").Where("id = ?", orderID).First(&order).Error; err != nil {
		return 0, err
	}
	return order.Version, nil
}

func (s *OrderStore) CreateOrder(ctx context.Context, order *entity.GroupOrder) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// ListOrders 工作区下的订单列表，最近更新的在前
func (s *OrderStore) ListOrders(ctx context.Context, workspaceID string) ([]entity.GroupOrder, error) {
	var orders []entity.GroupOrder
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("updated_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
