package application

import (
	"context"
	"time"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/metrics"
	"flashsale/internal/service/sale/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SaleWindowScheduler 按固定周期推进商品的秒杀状态
type SaleWindowScheduler struct {
	items  domain.ItemRepository
	clock  clock.Clock
	tracer trace.Tracer
}

func NewSaleWindowScheduler(items domain.ItemRepository, clk clock.Clock, tracer trace.Tracer) *SaleWindowScheduler {
	if tracer == nil {
		tracer = otel.Tracer("sale-scheduler")
	}
	return &SaleWindowScheduler{items: items, clock: clk, tracer: tracer}
}

// Interval 每轮调用一次得到下一次等待时间，配置热更新在下一轮生效
type Interval func() time.Duration

// FixedInterval 返回恒定的间隔
func FixedInterval(d time.Duration) Interval {
	return func() time.Duration { return d }
}

// next 非正数视为配置错误，沿用 prev
func (i Interval) next(prev time.Duration) time.Duration {
	if d := i(); d > 0 {
		return d
	}
	return prev
}

// Run 启动时立即扫描一次，之后按 interval 扫描，直到 ctx 取消
func (s *SaleWindowScheduler) Run(ctx context.Context, interval Interval) {
	d := interval.next(time.Minute)
	logger.Ctx(ctx).Info().Dur("interval", d).Msg("✅ sale-window scheduler started")

	s.Sweep(ctx)
	runEvery(ctx, d, interval, "sweep", func() { s.Sweep(ctx) })
	logger.Ctx(ctx).Info().Msg("🛑 sale-window scheduler stopped")
}

// runEvery 每等待一轮执行一次 fn，并在每轮之后重新读取间隔
func runEvery(ctx context.Context, d time.Duration, interval Interval, name string, fn func()) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			fn()
			if n := interval.next(d); n != d {
				logger.Ctx(ctx).Info().Str("loop", name).Dur("from", d).Dur("to", n).Msg("interval changed")
				d = n
			}
			timer.Reset(d)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep 执行一次状态推进，返回成功持久化的转换次数。
// 单个商品的失败只记录日志，不影响其它商品。
func (s *SaleWindowScheduler) Sweep(ctx context.Context) int {
	ctx, span := s.tracer.Start(ctx, "scheduler.Sweep")
	defer span.End()

	items, err := s.items.ListByStatus(ctx, domain.SaleStatusUpcoming, domain.SaleStatusActive)
	if err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Msg("failed to list items for status sweep")
		return 0
	}

	now := s.clock.Now()
	transitions := 0
	for _, item := range items {
		from := item.Status
		for from != item.NextStatus(now) {
			to := next(from)
			changed, err := s.items.UpdateStatus(ctx, item.ID, from, to)
			if err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("item_id", item.ID).
					Str("from", string(from)).Str("to", string(to)).
					Msg("failed to persist sale status transition")
				break
			}
			if changed {
				transitions++
				metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
				logger.Ctx(ctx).Info().Str("item_id", item.ID).Str("from", string(from)).Str("to", string(to)).
					Msg("sale status advanced")
			}
			// 未变更说明其它实例已经推进过，按目标状态继续
			from = to
			item.Status = to
		}
	}
	span.SetAttributes(attribute.Int("scheduler.transitions", transitions))
	return transitions
}

func next(status domain.SaleStatus) domain.SaleStatus {
	switch status {
	case domain.SaleStatusUpcoming:
		return domain.SaleStatusActive
	default:
		return domain.SaleStatusEnded
	}
}
