package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/metrics"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"
)

// Reconciliation 是一次对账的结果
type Reconciliation struct {
	ItemID     string
	Completed  int64 // 账本中 completed 订单数
	Counter    int64 // 快路径计数器
	HasCounter bool
	// Drift = Counter - (TotalQuantity - Completed)。持久化滞后时为负，
	// 长时间为正说明有已扣减但从未落库的订单。
	Drift int64
}

// Reconciler 用账本中的 completed 订单数校正售出聚合值，并报告快路径偏差
type Reconciler struct {
	items  domain.ItemRepository
	ledger domain.Ledger
	store  port.InventoryStore
}

func NewReconciler(items domain.ItemRepository, ledger domain.Ledger, store port.InventoryStore) *Reconciler {
	return &Reconciler{items: items, ledger: ledger, store: store}
}

// ReconcileItem 在事务内重算 sold = count(completed)，然后与快路径计数器比较
func (r *Reconciler) ReconcileItem(ctx context.Context, itemID string) (*Reconciliation, error) {
	item, err := r.items.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var completed int64
	err = r.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		if completed, err = r.ledger.CountCompleted(txCtx, itemID); err != nil {
			return err
		}
		return r.ledger.SetSold(txCtx, itemID, completed)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile sold quantity for item %s: %w", itemID, err)
	}

	counter, ok, err := r.store.Read(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	res := &Reconciliation{ItemID: itemID, Completed: completed, Counter: counter, HasCounter: ok}
	item.SoldQuantity = completed
	if ok {
		res.Drift = counter - item.RemainingQuantity()
		metrics.ReconcileDrift.WithLabelValues(itemID).Set(float64(res.Drift))
		if res.Drift != 0 {
			logger.Ctx(ctx).Warn().Str("item_id", itemID).Int64("counter", counter).
				Int64("completed", completed).Int64("drift", res.Drift).
				Msg("fast-path counter differs from ledger")
		}
	}
	return res, nil
}

// ReconcileAll 对所有进行中或即将开始的商品对账
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	items, err := r.items.ListByStatus(ctx, domain.SaleStatusUpcoming, domain.SaleStatusActive)
	if err != nil {
		return fmt.Errorf("list items for reconciliation: %w", err)
	}
	var errs []error
	for _, item := range items {
		if _, err := r.ReconcileItem(ctx, item.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run 周期性对账，直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context, interval Interval) {
	runEvery(ctx, interval.next(5*time.Minute), interval, "reconcile", func() {
		if err := r.ReconcileAll(ctx); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("reconciliation finished with errors")
		}
	})
}
