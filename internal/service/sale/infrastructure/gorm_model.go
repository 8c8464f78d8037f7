package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemModel 对应数据库中的 items 表
type ItemModel struct {
	ID            string          `gorm:"primaryKey;size:36"`
	Name          string          `gorm:"size:255;not null"`
	Description   string          `gorm:"type:text"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	TotalQuantity int64           `gorm:"not null"`
	SoldQuantity  int64           `gorm:"not null;default:0"`
	SaleStartAt   *time.Time
	SaleEndAt     *time.Time
	Status        string          `gorm:"size:16;not null;default:upcoming;index"`
	CreatedAt     time.Time       `gorm:"index"`
	UpdatedAt     time.Time
}

// TableName 指定 GORM 应该使用的表名
func (ItemModel) TableName() string {
	return "items"
}

// OrderModel 对应数据库中的 orders 表。
// MySQL 不支持部分唯一索引，因此用 CompletedGuard 列模拟：
// 只有 completed 订单写入 "len(item_id):item_id:user_id"，其它状态为 NULL，NULL 不参与唯一性比较。
type OrderModel struct {
	ID             string          `gorm:"primaryKey;size:36"`
	ItemID         string          `gorm:"size:36;not null;index:idx_orders_item_user,priority:1"`
	UserID         string          `gorm:"size:255;not null;index:idx_orders_item_user,priority:2"`
	Quantity       int             `gorm:"not null"`
	Price          decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Status         string          `gorm:"size:16;not null;default:pending"`
	CompletedGuard *string         `gorm:"size:300;uniqueIndex:uniq_orders_completed_item_user"`
	Metadata       map[string]any  `gorm:"type:json;serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "orders"
}
