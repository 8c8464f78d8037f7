// internal/service/sale/application/dto.go
package application

import (
	"time"

	"flashsale/internal/service/sale/domain"

	"github.com/shopspring/decimal"
)

// AdmitRequest 是准入用例的输入
type AdmitRequest struct {
	ItemID   string
	UserID   string
	Metadata map[string]any
}

// AdmitResult 是准入成功后立即返回给调用方的订单摘要
type AdmitResult struct {
	OrderID     string             `json:"order_id"`
	ItemID      string             `json:"product_id"`
	UserID      string             `json:"user_id"`
	Quantity    int                `json:"quantity"`
	Price       decimal.Decimal    `json:"price"`
	Total       decimal.Decimal    `json:"total"`
	Status      domain.OrderStatus `json:"status"`
	CompletedAt time.Time          `json:"purchased_at"`
}

// ItemStatus 是商品当前的秒杀状态
type ItemStatus struct {
	Item              *domain.Item
	AvailableQuantity int64
	Status            domain.SaleStatus
}

// UserPurchaseStatus 是用户对某个商品的购买状态。
// HasPurchased 为 true 而 Order 为空表示持久化尚未追上快路径。
type UserPurchaseStatus struct {
	HasPurchased bool
	Order        *domain.Order
}

// PersistOrderPayload 是 persist_order 任务的负载
type PersistOrderPayload struct {
	OrderID     string          `json:"order_id"`
	ItemID      string          `json:"product_id"`
	UserID      string          `json:"user_id"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Metadata    map[string]any  `json:"metadata"`
	CompletedAt time.Time       `json:"completed_at"`
}

// IncrementSoldPayload 是 increment_sold 任务的负载
type IncrementSoldPayload struct {
	ItemID    string `json:"product_id"`
	OrderID   string `json:"order_id"`
	Increment int64  `json:"increment"`
}

func newAdmitResult(o *domain.Order) *AdmitResult {
	return &AdmitResult{
		OrderID:     o.ID,
		ItemID:      o.ItemID,
		UserID:      o.UserID,
		Quantity:    o.Quantity,
		Price:       o.Price,
		Total:       o.Total(),
		Status:      o.Status,
		CompletedAt: *o.CompletedAt,
	}
}

func newPersistOrderPayload(o *domain.Order) PersistOrderPayload {
	return PersistOrderPayload{
		OrderID:     o.ID,
		ItemID:      o.ItemID,
		UserID:      o.UserID,
		Quantity:    o.Quantity,
		Price:       o.Price,
		Metadata:    o.Metadata,
		CompletedAt: *o.CompletedAt,
	}
}

func (p PersistOrderPayload) toOrder(now time.Time) *domain.Order {
	completedAt := p.CompletedAt
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return &domain.Order{
		ID:          p.OrderID,
		ItemID:      p.ItemID,
		UserID:      p.UserID,
		Quantity:    quantity,
		Price:       p.Price,
		Status:      domain.OrderStatusCompleted,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &completedAt,
	}
}
