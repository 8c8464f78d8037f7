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

// DltConsumerAdapter 监听死信主题并记录日志，交给运维人工处理
type DltConsumerAdapter struct {
	reader  mq.MessageReader
	topic   string
	wg      sync.WaitGroup
	stopped atomic.Bool

	retryDelay time.Duration // 拉取失败后的等待时间
}

func NewDltConsumerAdapter(reader mq.MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, topic: topic, retryDelay: time.Second}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT consumer started")
		for !a.stopped.Load() {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", a.topic).Msg("could not fetch dead letter, retrying")
				if !sleepCtx(ctx, a.retryDelay) {
					return
				}
				continue
			}

			logDeadLetter(ctx, msg)

			// 死信总是直接提交，记录日志即视为已处理
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("topic", a.topic).Msg("failed to commit dead letter")
			}
		}
	}()
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT consumer stopped")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	h := func(key string) string { return mq.HeaderValue(msg.Headers, key) }

	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("task", h(mq.HeaderTaskType)).
		Str("attempt", h(mq.HeaderTaskAttempt)).
		Str("original_topic", h(mq.HeaderOriginalTopic)).
		Str("original_partition", h(mq.HeaderOriginalPartition)).
		Str("original_offset", h(mq.HeaderOriginalOffset)).
		Str("exception_fqcn", h(mq.HeaderExceptionFqcn)).
		Str("exception_message", h(mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
