package application

import (
	"context"
	"encoding/json"
	"fmt"

	"flashsale/internal/pkg/clock"
	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/metrics"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/sale/domain"
	"flashsale/internal/service/sale/domain/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PersistOutcome 描述一次 persist_order 任务的结果
type PersistOutcome int

const (
	// OutcomePersisted 订单首次写入账本
	OutcomePersisted PersistOutcome = iota + 1
	// OutcomeDuplicate 相同订单号已存在，重复投递是空操作
	OutcomeDuplicate
	// OutcomeConflict 同一 (item, user) 已有其它 completed 订单，本单以 failed 状态留档
	OutcomeConflict
)

func (o PersistOutcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// PersistenceService 消费持久化任务，把快路径上的决定写入账本。
type PersistenceService struct {
	ledger domain.Ledger
	queue  port.TaskQueue
	clock  clock.Clock
	tracer trace.Tracer
	retry  mq.RetryPolicy
}

func NewPersistenceService(ledger domain.Ledger, queue port.TaskQueue, clk clock.Clock, tracer trace.Tracer, retry mq.RetryPolicy) *PersistenceService {
	if tracer == nil {
		tracer = otel.Tracer("persist-worker")
	}
	if retry.MaxAttempts <= 0 {
		retry = mq.DefaultRetryPolicy
	}
	return &PersistenceService{ledger: ledger, queue: queue, clock: clk, tracer: tracer, retry: retry}
}

// HandleTask 按任务类型分发。返回的错误会交给队列的重试/死信策略。
func (s *PersistenceService) HandleTask(ctx context.Context, task mq.Task) error {
	ctx, span := s.tracer.Start(ctx, "worker.HandleTask", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.type", task.Type),
			attribute.String("task.key", task.Key),
			attribute.Int("task.attempt", task.Attempt),
		))
	defer span.End()

	var err error
	switch task.Type {
	case port.TaskPersistOrder:
		var p PersistOrderPayload
		if err = json.Unmarshal(task.Payload, &p); err != nil {
			err = fmt.Errorf("decode %s payload: %w", task.Type, err)
			break
		}
		_, err = s.PersistOrder(ctx, p)
	case port.TaskIncrementSold:
		var p IncrementSoldPayload
		if err = json.Unmarshal(task.Payload, &p); err != nil {
			err = fmt.Errorf("decode %s payload: %w", task.Type, err)
			break
		}
		err = s.IncrementSold(ctx, p)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	if err != nil {
		metrics.PersistAttempts.WithLabelValues(task.Type, "failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		return err
	}
	metrics.PersistAttempts.WithLabelValues(task.Type, "success").Inc()
	return nil
}

// PersistOrder 在一个事务内复查 completed 唯一性并按订单号幂等写入。
// 事务提交之后才投递 increment_sold 任务。
func (s *PersistenceService) PersistOrder(ctx context.Context, p PersistOrderPayload) (PersistOutcome, error) {
	log := logger.Ctx(ctx)
	now := s.clock.Now()

	var (
		outcome   PersistOutcome
		completed bool // 账本中以本订单号存在一笔 completed 订单
	)
	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		existing, err := s.ledger.FindOrderByID(txCtx, p.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome = OutcomeDuplicate
			completed = existing.Status == domain.OrderStatusCompleted
			return nil
		}

		order := p.toOrder(now)
		other, err := s.ledger.FindCompletedOrder(txCtx, p.ItemID, p.UserID)
		if err != nil {
			return err
		}
		if other != nil {
			order.MarkAsFailed(now)
		}

		inserted, err := s.ledger.InsertOrder(txCtx, order)
		if err != nil {
			return err
		}
		if !inserted && order.Status == domain.OrderStatusCompleted {
			// 冲突可能来自主键（并发重投）或 completed 唯一索引（其它订单在复查之后提交）
			same, err := s.ledger.FindOrderByID(txCtx, p.OrderID)
			if err != nil {
				return err
			}
			if same == nil {
				order.MarkAsFailed(now)
				if inserted, err = s.ledger.InsertOrder(txCtx, order); err != nil {
					return err
				}
				if !inserted {
					return fmt.Errorf("order %s conflicts with no visible row", p.OrderID)
				}
				outcome = OutcomeConflict
				return nil
			}
			completed = same.Status == domain.OrderStatusCompleted
		}
		switch {
		case !inserted:
			// 并发重投抢先一步，主键兜底
			outcome = OutcomeDuplicate
		case other != nil:
			outcome = OutcomeConflict
		default:
			outcome = OutcomePersisted
			completed = true
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: order %s: %v", domain.ErrPersistenceTransient, p.OrderID, err)
	}

	switch outcome {
	case OutcomeConflict:
		metrics.PersistConflicts.Inc()
		log.Warn().Str("order_id", p.OrderID).Str("item_id", p.ItemID).Str("user_id", p.UserID).
			Msg("another completed order exists for this user, order stored as failed")
	case OutcomeDuplicate:
		log.Info().Str("order_id", p.OrderID).Msg("order already persisted, redelivery ignored")
	default:
		log.Info().Str("order_id", p.OrderID).Str("item_id", p.ItemID).Msg("order persisted")
	}

	// 重复投递时也会走到这里：increment_sold 的去重键保证聚合只加一次
	if completed {
		payload := IncrementSoldPayload{ItemID: p.ItemID, OrderID: p.OrderID, Increment: int64(max(p.Quantity, 1))}
		if err := s.queue.Enqueue(ctx, port.TaskIncrementSold, payload, "sold:"+p.OrderID, s.retry); err != nil {
			return outcome, fmt.Errorf("%w: enqueue increment for order %s: %v", domain.ErrPersistenceTransient, p.OrderID, err)
		}
	}
	return outcome, nil
}

// IncrementSold 增加商品的售出聚合值。它只是派生统计，允许短暂落后。
func (s *PersistenceService) IncrementSold(ctx context.Context, p IncrementSoldPayload) error {
	if err := s.ledger.IncrementSold(ctx, p.ItemID, p.Increment); err != nil {
		return fmt.Errorf("%w: increment sold for item %s: %v", domain.ErrPersistenceTransient, p.ItemID, err)
	}
	logger.Ctx(ctx).Info().Str("item_id", p.ItemID).Str("order_id", p.OrderID).Int64("increment", p.Increment).
		Msg("sold quantity incremented")
	return nil
}
