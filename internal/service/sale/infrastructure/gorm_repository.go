package infrastructure

import (
	"context"
	"fmt"

	"flashsale/internal/service/sale/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormItemRepository 是 ItemRepository 的 GORM 实现
type GormItemRepository struct {
	db *gorm.DB
}

// NewGormItemRepository 创建一个新的商品仓储实例
func NewGormItemRepository(db *gorm.DB) *GormItemRepository {
	return &GormItemRepository{db: db}
}

func (r *GormItemRepository) FindByID(ctx context.Context, id string) (*domain.Item, error) {
	var model ItemModel
	err := conn(ctx, r.db).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrItemNotFound
		}
		return nil, errors.Wrapf(err, "find item %s", id)
	}
	return toDomainItem(&model), nil
}

func (r *GormItemRepository) FindLatest(ctx context.Context) (*domain.Item, error) {
	var model ItemModel
	err := conn(ctx, r.db).Order("created_at DESC").Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrItemNotFound
		}
		return nil, errors.Wrap(err, "find latest item")
	}
	return toDomainItem(&model), nil
}

func (r *GormItemRepository) ListByStatus(ctx context.Context, statuses ...domain.SaleStatus) ([]*domain.Item, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var models []*ItemModel
	if err := conn(ctx, r.db).Where("status IN ?", values).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list items by status")
	}
	items := make([]*domain.Item, len(models))
	for i, m := range models {
		items[i] = toDomainItem(m)
	}
	return items, nil
}

// UpdateStatus 用 WHERE status = from 做条件更新，保证状态只会单向推进
func (r *GormItemRepository) UpdateStatus(ctx context.Context, id string, from, to domain.SaleStatus) (bool, error) {
	res := conn(ctx, r.db).Model(&ItemModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "update status of item %s", id)
	}
	return res.RowsAffected > 0, nil
}

func (r *GormItemRepository) Create(ctx context.Context, item *domain.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.SaleStatusUpcoming
	}
	if item.TotalQuantity < 0 {
		return fmt.Errorf("total quantity must not be negative, got %d", item.TotalQuantity)
	}

	model := toItemModel(item)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		return errors.Wrapf(err, "create item %s", item.ID)
	}
	item.CreatedAt, item.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// GormLedger 是订单账本的 GORM 实现
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, l.db, fn)
}

func (l *GormLedger) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := conn(ctx, l.db).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find order %s", id)
	}
	return toDomainOrder(&model), nil
}

func (l *GormLedger) FindCompletedOrder(ctx context.Context, itemID, userID string) (*domain.Order, error) {
	var model OrderModel
	err := conn(ctx, l.db).
		Where("item_id = ? AND user_id = ? AND status = ?", itemID, userID, string(domain.OrderStatusCompleted)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "find completed order for %s/%s", itemID, userID)
	}
	return toDomainOrder(&model), nil
}

func (l *GormLedger) CountCompleted(ctx context.Context, itemID string) (int64, error) {
	var n int64
	err := conn(ctx, l.db).Model(&OrderModel{}).
		Where("item_id = ? AND status = ?", itemID, string(domain.OrderStatusCompleted)).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrapf(err, "count completed orders of item %s", itemID)
	}
	return n, nil
}

// InsertOrder 冲突时什么都不做（主键或 completed 唯一索引），由 RowsAffected 判断是否写入
func (l *GormLedger) InsertOrder(ctx context.Context, order *domain.Order) (bool, error) {
	model := toOrderModel(order)
	res := conn(ctx, l.db).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "insert order %s", order.ID)
	}
	return res.RowsAffected == 1, nil
}

func (l *GormLedger) IncrementSold(ctx context.Context, itemID string, n int64) error {
	res := conn(ctx, l.db).Model(&ItemModel{}).Where("id = ?", itemID).
		UpdateColumn("sold_quantity", gorm.Expr("sold_quantity + ?", n))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "increment sold quantity of item %s", itemID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (l *GormLedger) SetSold(ctx context.Context, itemID string, sold int64) error {
	res := conn(ctx, l.db).Model(&ItemModel{}).Where("id = ?", itemID).
		UpdateColumn("sold_quantity", sold)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "set sold quantity of item %s", itemID)
	}
	return nil
}
