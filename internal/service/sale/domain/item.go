// internal/service/sale/domain/item.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleStatus 是秒杀商品的生命周期状态，只能单向流转: upcoming -> active -> ended
type SaleStatus string

const (
	SaleStatusUpcoming SaleStatus = "upcoming"
	SaleStatusActive   SaleStatus = "active"
	SaleStatusEnded    SaleStatus = "ended"
)

// Item 是参与秒杀的商品。它由商品目录维护，准入引擎只读取它。
type Item struct {
	ID            string
	Name          string
	Description   string
	Price         decimal.Decimal
	TotalQuantity int64
	SoldQuantity  int64 // 派生统计值，允许短暂落后于真实成交数
	SaleStartAt   *time.Time
	SaleEndAt     *time.Time
	Status        SaleStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemainingQuantity 按聚合售出数计算剩余量
func (i *Item) RemainingQuantity() int64 {
	return i.TotalQuantity - i.SoldQuantity
}

// IsSaleActive 判断 now 时刻是否处于可售窗口。未设置的边界视为不限制。
func (i *Item) IsSaleActive(now time.Time) bool {
	if i.Status != SaleStatusActive {
		return false
	}
	if i.SaleStartAt != nil && now.Before(*i.SaleStartAt) {
		return false
	}
	if i.SaleEndAt != nil && now.After(*i.SaleEndAt) {
		return false
	}
	return true
}

// NextStatus 返回 now 时刻应当推进到的状态。
// 开始和结束时间都已过去的 upcoming 商品会直接推进到 ended。
func (i *Item) NextStatus(now time.Time) SaleStatus {
	status := i.Status
	if status == SaleStatusUpcoming && i.SaleStartAt != nil && !i.SaleStartAt.After(now) {
		status = SaleStatusActive
	}
	if status == SaleStatusActive && i.SaleEndAt != nil && !i.SaleEndAt.After(now) {
		status = SaleStatusEnded
	}
	return status
}
