// internal/service/sale/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/metrics"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// AdmissionConfig 是准入引擎的运行参数
type AdmissionConfig struct {
	// LockTTL 必须大于临界区的最坏耗时，锁只靠过期清理
	LockTTL time.Duration
	// OpTimeout 是拿到锁之后所有存储/账本调用的总超时
	OpTimeout time.Duration
	// Retry 是持久化任务的重试策略，同时用于投递失败时的本地重试
	Retry mq.RetryPolicy
}

// AdmissionService 负责秒杀准入判定。
// 进程内不保存任何跨请求的可变状态，所有协调都通过分布式锁和库存存储的原子操作完成。
type AdmissionService struct {
	items  domain.ItemRepository
	ledger domain.Ledger
	store  port.InventoryStore
	locker port.Locker
	queue  port.TaskQueue
	clock  clock.Clock
	tracer trace.Tracer
	cfg    AdmissionConfig

	seeds     singleflight.Group
	handoff   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func NewAdmissionService(
	items domain.ItemRepository,
	ledger domain.Ledger,
	store port.InventoryStore,
	locker port.Locker,
	queue port.TaskQueue,
	clk clock.Clock,
	tracer trace.Tracer,
	cfg AdmissionConfig,
) *AdmissionService {
	if tracer == nil {
		tracer = otel.Tracer("sale-service")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = mq.DefaultRetryPolicy
	}
	return &AdmissionService{
		items:   items,
		ledger:  ledger,
		store:   store,
		locker:  locker,
		queue:   queue,
		clock:   clk,
		tracer:  tracer,
		cfg:     cfg,
		closing: make(chan struct{}),
	}
}

// Admit 判定一次购买请求能否占用一件库存。
// 成功时订单已在快路径上提交，持久化任务被异步投递，不阻塞返回。
func (s *AdmissionService) Admit(ctx context.Context, req AdmitRequest) (res *AdmitResult, err error) {
	ctx, span := s.tracer.Start(ctx, "app.Admit", trace.WithAttributes(
		attribute.String("item.id", req.ItemID),
		attribute.String("user.id", req.UserID),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
		s.recordOutcome(ctx, span, req, res, err)
	}()

	// 1. 按 (item, user) 加锁，拿不到立即失败
	lockKey := domain.LockKey(req.ItemID, req.UserID)
	token, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, port.ErrLockBusy) {
			return nil, domain.ErrLockUnavailable
		}
		return nil, fmt.Errorf("acquire purchase lock: %w", err)
	}
	// 9. 无论从哪个分支退出（包括 panic）都释放锁
	defer s.releaseLock(ctx, lockKey, token)

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	return s.admitLocked(opCtx, req)
}

func (s *AdmissionService) admitLocked(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	// 2. 读取商品与快路径库存，库存缺失时懒加载
	item, err := s.items.FindByID(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	available, err := s.loadCounter(ctx, item)
	if err != nil {
		return nil, err
	}

	// 3. 以下检查都发生在任何写操作之前，无需补偿
	if available <= 0 {
		return nil, domain.ErrOutOfStock
	}
	now := s.clock.Now()
	if !item.IsSaleActive(now) {
		return nil, domain.ErrSaleNotActive
	}

	// 4. 幂等标记优先，账本兜底
	if _, exists, err := s.store.GetMarker(ctx, item.ID, req.UserID); err != nil {
		return nil, fmt.Errorf("read purchase marker: %w", err)
	} else if exists {
		return nil, domain.ErrAlreadyPurchased
	}
	existing, err := s.ledger.FindCompletedOrder(ctx, item.ID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check ledger for completed order: %w", err)
	}
	if existing != nil {
		return nil, domain.ErrAlreadyPurchased
	}

	// 5. 原子扣减；结果为负说明输给了并发请求，立即补偿
	remaining, err := s.store.Decrement(ctx, item.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("decrement inventory: %w", err)
	}
	if remaining < 0 {
		if err := s.compensate(ctx, item.ID); err != nil {
			return nil, err
		}
		return nil, domain.ErrOutOfStock
	}

	// 6. 写入幂等标记，写失败或已存在都要把库存还回去
	orderID := uuid.NewString()
	set, err := s.store.SetMarkerIfAbsent(ctx, item.ID, req.UserID, orderID)
	if err != nil {
		if cerr := s.compensate(ctx, item.ID); cerr != nil {
			return nil, errors.Join(fmt.Errorf("set purchase marker: %w", err), cerr)
		}
		return nil, fmt.Errorf("set purchase marker: %w", err)
	}
	if !set {
		if err := s.compensate(ctx, item.ID); err != nil {
			return nil, err
		}
		return nil, domain.ErrAlreadyPurchased
	}

	// 7. 构建 completed 订单并同步返回
	order, err := domain.NewCompletedOrder(orderID, item, req.UserID, req.Metadata, now)
	if err != nil {
		return nil, err
	}

	// 8. 异步投递持久化任务
	s.handOff(ctx, order)

	return newAdmitResult(order), nil
}

// compensate 把一次扣减还回去。使用脱离取消的上下文，保证超时后补偿依然执行。
func (s *AdmissionService) compensate(ctx context.Context, itemID string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()

	if _, err := s.store.Increment(cctx, itemID, 1); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("item_id", itemID).
			Msg("CRITICAL: failed to compensate inventory decrement")
		return fmt.Errorf("compensate inventory for item %s: %w", itemID, err)
	}
	return nil
}

func (s *AdmissionService) releaseLock(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()

	released, err := s.locker.Release(rctx, key, token)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("lock_key", key).Msg("failed to release purchase lock")
		return
	}
	if !released {
		// 临界区超过了 TTL，锁已过期或被他人重新获取
		logger.Ctx(ctx).Warn().Str("lock_key", key).Dur("lock_ttl", s.cfg.LockTTL).
			Msg("purchase lock expired before release")
	}
}

// handOff 在后台投递 persist_order 任务。投递本身失败时按重试策略在本地重试，
// 仍然失败则记录完整负载供人工对账。
func (s *AdmissionService) handOff(ctx context.Context, order *domain.Order) {
	payload := newPersistOrderPayload(order)
	bg := context.WithoutCancel(ctx)
	policy := s.cfg.Retry

	s.handoff.Add(1)
	go func() {
		defer s.handoff.Done()

		attempts := max(policy.MaxAttempts, 1)
		var err error
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 && !s.waitBackoff(policy.Backoff(attempt-1)) {
				// 关停中不再退避，立即做最后一次尝试
				attempt = attempts - 1
			}
			ectx, cancel := context.WithTimeout(bg, s.cfg.OpTimeout)
			err = s.queue.Enqueue(ectx, port.TaskPersistOrder, payload, order.ID, policy)
			cancel()
			if err == nil {
				return
			}
			logger.Ctx(bg).Warn().Err(err).Str("order_id", order.ID).Int("attempt", attempt+1).
				Msg("failed to enqueue persist task")
		}

		metrics.DeadLetters.WithLabelValues(port.TaskPersistOrder).Inc()
		logger.Ctx(bg).Error().Err(err).
			Str("order_id", payload.OrderID).
			Str("item_id", payload.ItemID).
			Str("user_id", payload.UserID).
			Str("price", payload.Price.String()).
			Time("completed_at", payload.CompletedAt).
			Msg("🚨 CRITICAL: persist task could not be enqueued, manual reconciliation required")
	}()
}

// waitBackoff 等待 d，关停开始时提前返回 false
func (s *AdmissionService) waitBackoff(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.closing:
		return false
	}
}

// WaitForHandoffs 等待所有已发起的异步投递结束
func (s *AdmissionService) WaitForHandoffs() {
	s.handoff.Wait()
}

// Shutdown 打断投递重试的退避等待，然后等待后台投递结束，最多等到 ctx 到期
func (s *AdmissionService) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	done := make(chan struct{})
	go func() {
		s.handoff.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for persist hand-offs: %w", ctx.Err())
	}
}

// loadCounter 读取快路径库存，缺失时以 容量 - 账本已完成订单数 重新播种。
// 同一商品的并发播种通过 singleflight 合并。
func (s *AdmissionService) loadCounter(ctx context.Context, item *domain.Item) (int64, error) {
	v, ok, err := s.store.Read(ctx, item.ID)
	if err != nil {
		return 0, fmt.Errorf("read inventory: %w", err)
	}
	if ok {
		return v, nil
	}

	res, err, _ := s.seeds.Do(item.ID, func() (interface{}, error) {
		return s.seed(ctx, item)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *AdmissionService) seed(ctx context.Context, item *domain.Item) (int64, error) {
	completed, err := s.ledger.CountCompleted(ctx, item.ID)
	if err != nil {
		return 0, fmt.Errorf("count completed orders: %w", err)
	}
	remaining := max(item.TotalQuantity-completed, 0)

	written, err := s.store.Initialize(ctx, item.ID, remaining)
	if err != nil {
		return 0, fmt.Errorf("initialize inventory: %w", err)
	}
	if written {
		logger.Ctx(ctx).Info().Str("item_id", item.ID).Int64("remaining", remaining).
			Msg("inventory counter seeded from ledger")
	}

	v, ok, err := s.store.Read(ctx, item.ID)
	if err != nil {
		return 0, fmt.Errorf("read inventory: %w", err)
	}
	if !ok {
		return remaining, nil
	}
	return v, nil
}

// Status 返回商品与当前可售数量。商品与库存并发读取。
func (s *AdmissionService) Status(ctx context.Context, itemID string) (*ItemStatus, error) {
	ctx, span := s.tracer.Start(ctx, "app.Status")
	defer span.End()

	var (
		item    *domain.Item
		counter int64
		present bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		item, err = s.items.FindByID(gctx, itemID)
		return err
	})
	g.Go(func() error {
		var err error
		counter, present, err = s.store.Read(gctx, itemID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.itemStatus(ctx, item, counter, present)
}

// Latest 返回最近创建的商品及其库存
func (s *AdmissionService) Latest(ctx context.Context) (*ItemStatus, error) {
	item, err := s.items.FindLatest(ctx)
	if err != nil {
		return nil, err
	}
	counter, present, err := s.store.Read(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return s.itemStatus(ctx, item, counter, present)
}

func (s *AdmissionService) itemStatus(ctx context.Context, item *domain.Item, counter int64, present bool) (*ItemStatus, error) {
	if !present {
		var err error
		if counter, err = s.loadCounter(ctx, item); err != nil {
			return nil, err
		}
	}
	return &ItemStatus{
		Item:              item,
		AvailableQuantity: max(counter, 0),
		Status:            item.Status,
	}, nil
}

// UserStatus 返回用户是否已购买。优先看幂等标记，标记指向的订单可能还没落库。
func (s *AdmissionService) UserStatus(ctx context.Context, itemID, userID string) (*UserPurchaseStatus, error) {
	orderID, marked, err := s.store.GetMarker(ctx, itemID, userID)
	if err != nil {
		return nil, fmt.Errorf("read purchase marker: %w", err)
	}
	if marked {
		order, err := s.ledger.FindOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &UserPurchaseStatus{HasPurchased: true, Order: order}, nil
	}

	order, err := s.ledger.FindCompletedOrder(ctx, itemID, userID)
	if err != nil {
		return nil, err
	}
	return &UserPurchaseStatus{HasPurchased: order != nil, Order: order}, nil
}

// WarmUp 在进程启动时为所有 upcoming / active 商品预热库存计数器。
// 单个商品失败不影响其它商品。
func (s *AdmissionService) WarmUp(ctx context.Context) (int, error) {
	items, err := s.items.ListByStatus(ctx, domain.SaleStatusUpcoming, domain.SaleStatusActive)
	if err != nil {
		return 0, fmt.Errorf("list items for warm-up: %w", err)
	}

	var errs []error
	warmed := 0
	for _, item := range items {
		if _, err := s.seed(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		warmed++
	}
	logger.Ctx(ctx).Info().Int("items", warmed).Msg("inventory warm-up finished")
	return warmed, errors.Join(errs...)
}

func (s *AdmissionService) recordOutcome(ctx context.Context, span trace.Span, req AdmitRequest, res *AdmitResult, err error) {
	log := logger.Ctx(ctx)
	if err == nil {
		metrics.AdmissionTotal.WithLabelValues("success").Inc()
		span.AddEvent("admission succeeded")
		log.Info().Str("item_id", req.ItemID).Str("user_id", req.UserID).Str("order_id", res.OrderID).
			Msg("purchase admitted")
		return
	}
	if r, ok := domain.AsRejection(err); ok {
		metrics.AdmissionTotal.WithLabelValues(string(r.Code)).Inc()
		span.SetAttributes(attribute.String("admission.rejection", string(r.Code)))
		log.Warn().Str("item_id", req.ItemID).Str("user_id", req.UserID).Str("code", string(r.Code)).
			Msg("purchase rejected")
		return
	}
	metrics.AdmissionTotal.WithLabelValues("error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "admission failed")
	log.Error().Err(err).Str("item_id", req.ItemID).Str("user_id", req.UserID).Msg("purchase failed")
}
