package port

import (
	"context"

	"flashsale/internal/pkg/mq"
)

// 持久化任务类型
const (
	TaskPersistOrder  = "persist_order"
	TaskIncrementSold = "increment_sold"
)

// TaskQueue 是持久化队列的出站端口
type TaskQueue interface {
	// Enqueue 以 dedupKey 去重投递任务。重复的 dedupKey 视为成功的空操作。
	Enqueue(ctx context.Context, taskType string, payload any, dedupKey string, policy mq.RetryPolicy) error
}
