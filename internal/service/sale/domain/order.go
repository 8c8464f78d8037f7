// internal/service/sale/domain/order.go
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 定义了订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order 是一次成功准入的记录。每单固定购买 1 件。
type Order struct {
	ID          string
	ItemID      string
	UserID      string
	Quantity    int
	Price       decimal.Decimal
	Status      OrderStatus
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// NewCompletedOrder 在快路径上直接生成 completed 订单：持久化被延后，但状态不是 pending
func NewCompletedOrder(id string, item *Item, userID string, metadata map[string]any, now time.Time) (*Order, error) {
	if id == "" || item == nil || userID == "" {
		return nil, errors.New("cannot create order with empty required fields")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	completedAt := now
	return &Order{
		ID:          id,
		ItemID:      item.ID,
		UserID:      userID,
		Quantity:    1,
		Price:       item.Price,
		Status:      OrderStatusCompleted,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &completedAt,
	}, nil
}

// Total 订单总额
func (o *Order) Total() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(int64(o.Quantity)))
}

// MarkAsFailed 将订单标记为失败。已完成的时间戳会被清除，失败订单不占用唯一约束。
func (o *Order) MarkAsFailed(now time.Time) {
	o.Status = OrderStatusFailed
	o.CompletedAt = nil
	o.UpdatedAt = now
}
