package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/pkg/redis"

	"github.com/pkg/errors"
)

const defaultDedupTTL = 24 * time.Hour

// TaskKafkaAdapter 实现了 port.TaskQueue：任务写入 Kafka，去重键由 Redis 认领
type TaskKafkaAdapter struct {
	writer      mq.MessageWriter
	redisClient *redis.Client // 为 nil 时不做投递去重，由消费端幂等兜底
	dedupTTL    time.Duration
}

func NewTaskKafkaAdapter(writer mq.MessageWriter, redisClient *redis.Client) *TaskKafkaAdapter {
	return &TaskKafkaAdapter{
		writer:      writer,
		redisClient: redisClient,
		dedupTTL:    defaultDedupTTL,
	}
}

func dedupKey(taskType, key string) string {
	return "task-dedup:" + taskType + ":" + key
}

// Enqueue 先用 SET NX 认领去重键再写 Kafka；写入失败会归还去重键，避免任务被永久吞掉
func (a *TaskKafkaAdapter) Enqueue(ctx context.Context, taskType string, payload any, key string, policy mq.RetryPolicy) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}

	claimed := false
	if a.redisClient != nil {
		ok, err := a.redisClient.GetClient().SetNX(ctx, dedupKey(taskType, key), time.Now().UTC().Format(time.RFC3339), a.dedupTTL).Result()
		if err != nil {
			return errors.Wrapf(err, "claim dedup key for task %s/%s", taskType, key)
		}
		if !ok {
			logger.Ctx(ctx).Debug().Str("task", taskType).Str("key", key).Msg("task already enqueued, skipped")
			return nil
		}
		claimed = true
	}

	msg := mq.Task{
		Type:        taskType,
		Key:         key,
		Payload:     body,
		MaxAttempts: policy.MaxAttempts,
	}.ToMessage()
	mq.InjectTraceContext(ctx, &msg.Headers)

	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		if claimed {
			if derr := a.redisClient.GetClient().Del(context.WithoutCancel(ctx), dedupKey(taskType, key)).Err(); derr != nil {
				logger.Ctx(ctx).Error().Err(derr).Str("task", taskType).Str("key", key).
					Msg("failed to release dedup key after write failure")
			}
		}
		return errors.Wrapf(err, "write task %s/%s", taskType, key)
	}
	return nil
}
