package interfaces

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// TaskHandler 是消费者驱动的应用服务
type TaskHandler interface {
	HandleTask(ctx context.Context, task mq.Task) error
}

// TaskConsumerAdapter 是一个驱动适配器，它监听持久化任务主题并驱动应用服务。
// 主主题和重试主题各跑一个实例，重试主题上的消息会等到 not-before 之后才处理。
type TaskConsumerAdapter struct {
	reader  mq.MessageReader
	topic   string
	handler TaskHandler
	wg      sync.WaitGroup
	stopped atomic.Bool

	failureHandler *mq.FailureHandler
	now            func() time.Time
}

// NewTaskConsumerAdapter 创建一个新的任务消费者。topic 仅用于日志。
func NewTaskConsumerAdapter(reader mq.MessageReader, topic string, handler TaskHandler, failureHandler *mq.FailureHandler) *TaskConsumerAdapter {
	return &TaskConsumerAdapter{
		reader:         reader,
		topic:          topic,
		handler:        handler,
		failureHandler: failureHandler,
		now:            time.Now,
	}
}

// Start 开始监听主题，立即返回
func (a *TaskConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

func (a *TaskConsumerAdapter) run(ctx context.Context) {
	log := logger.Ctx(ctx)
	log.Info().Str("topic", a.topic).Msg("✅ task consumer started")
	for !a.stopped.Load() {
		// 使用 FetchMessage 而不是 ReadMessage，offset 在处理或移交之后才提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || a.stopped.Load() {
				log.Info().Str("topic", a.topic).Msg("🛑 task consumer shutting down")
				return
			}
			log.Error().Err(err).Str("topic", a.topic).Msg("could not fetch message, retrying")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		task := mq.TaskFromMessage(msg)
		if wait := task.NotBefore.Sub(a.now()); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return
			}
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := a.handler.HandleTask(msgCtx, task); err != nil {
			if !a.handOff(msgCtx, msg, err) {
				return
			}
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Str("topic", a.topic).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// handOff 把失败的消息交给 FailureHandler，写出失败时一直重试直到成功或退出
func (a *TaskConsumerAdapter) handOff(ctx context.Context, msg kafka.Message, cause error) bool {
	for {
		err := a.failureHandler.Handle(ctx, msg, cause)
		if err == nil {
			return true
		}
		logger.Ctx(ctx).Error().Err(err).Str("topic", a.topic).Int64("offset", msg.Offset).
			Msg("failed to hand off failed task, retrying")
		if !sleepCtx(ctx, time.Second) {
			return false
		}
	}
}

// Stop 优雅地停止消费者
func (a *TaskConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	if err := a.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("topic", a.topic).Msg("failed to close reader")
	}
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ task consumer stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
