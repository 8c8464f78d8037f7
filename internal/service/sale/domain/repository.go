// internal/service/sale/domain/repository.go
package domain

import "context"

// ItemRepository 是商品目录的读写接口，由基础设施层实现。
type ItemRepository interface {
	// FindByID 不存在时返回 ErrItemNotFound
	FindByID(ctx context.Context, id string) (*Item, error)
	// FindLatest 返回最近创建的商品
	FindLatest(ctx context.Context) (*Item, error)
	ListByStatus(ctx context.Context, statuses ...SaleStatus) ([]*Item, error)
	// UpdateStatus 仅当当前状态等于 from 时才更新，返回是否发生了变更
	UpdateStatus(ctx context.Context, id string, from, to SaleStatus) (bool, error)
	Create(ctx context.Context, item *Item) error
}

// Ledger 是订单账本。所有写操作都应该在 WithTx 内完成。
type Ledger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// FindOrderByID / FindCompletedOrder 不存在时返回 (nil, nil)
	FindOrderByID(ctx context.Context, id string) (*Order, error)
	FindCompletedOrder(ctx context.Context, itemID, userID string) (*Order, error)
	CountCompleted(ctx context.Context, itemID string) (int64, error)

	// InsertOrder 插入订单；主键或 completed 唯一约束冲突时不写入并返回 false
	InsertOrder(ctx context.Context, order *Order) (bool, error)

	IncrementSold(ctx context.Context, itemID string, n int64) error
	SetSold(ctx context.Context, itemID string, sold int64) error
}
