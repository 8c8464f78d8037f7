package infrastructure

import (
	"strconv"

	"flashsale/internal/service/sale/domain"
)

// --- 类型转换函数 ---

func toDomainItem(m *ItemModel) *domain.Item {
	return &domain.Item{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Price:         m.Price,
		TotalQuantity: m.TotalQuantity,
		SoldQuantity:  m.SoldQuantity,
		SaleStartAt:   m.SaleStartAt,
		SaleEndAt:     m.SaleEndAt,
		Status:        domain.SaleStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func toItemModel(i *domain.Item) *ItemModel {
	return &ItemModel{
		ID:            i.ID,
		Name:          i.Name,
		Description:   i.Description,
		Price:         i.Price,
		TotalQuantity: i.TotalQuantity,
		SoldQuantity:  i.SoldQuantity,
		SaleStartAt:   i.SaleStartAt,
		SaleEndAt:     i.SaleEndAt,
		Status:        string(i.Status),
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     i.UpdatedAt,
	}
}

func toDomainOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:          m.ID,
		ItemID:      m.ItemID,
		UserID:      m.UserID,
		Quantity:    m.Quantity,
		Price:       m.Price,
		Status:      domain.OrderStatus(m.Status),
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
		CancelledAt: m.CancelledAt,
	}
}

func toOrderModel(o *domain.Order) *OrderModel {
	m := &OrderModel{
		ID:          o.ID,
		ItemID:      o.ItemID,
		UserID:      o.UserID,
		Quantity:    o.Quantity,
		Price:       o.Price,
		Status:      string(o.Status),
		Metadata:    o.Metadata,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		CompletedAt: o.CompletedAt,
		CancelledAt: o.CancelledAt,
	}
	if o.Status == domain.OrderStatusCompleted {
		guard := completedGuard(o.ItemID, o.UserID)
		m.CompletedGuard = &guard
	}
	return m
}

// completedGuard 以商品 ID 长度作前缀，ID 中含分隔符时也不会与其它 (item, user) 组合相同
func completedGuard(itemID, userID string) string {
	return strconv.Itoa(len(itemID)) + ":" + itemID + ":" + userID
}
