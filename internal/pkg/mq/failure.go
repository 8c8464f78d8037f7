package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/metrics"

	"github.com/segmentio/kafka-go"
)

// FailureHandler 决定处理失败的任务是进入重试主题还是死信主题。
// 任务永远不会被静默丢弃：重试次数用尽后一定会写入死信主题。
type FailureHandler struct {
	retryWriter MessageWriter
	dltWriter   MessageWriter
	policy      RetryPolicy
	exhausted   error
	now         func() time.Time
}

// ExhaustedError 是任务重试用尽、被写入死信主题时记录的错误
type ExhaustedError struct {
	Type     string
	Key      string
	Attempts int
	Kind     error // 业务层的哨兵错误，可为空
	Cause    error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("task %s/%s failed after %d attempts: %v", e.Type, e.Key, e.Attempts, e.Cause)
	if e.Kind != nil {
		return e.Kind.Error() + ": " + msg
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Cause}
	}
	return []error{e.Kind, e.Cause}
}

// NewFailureHandler 创建失败处理器。policy 只在消息头没有携带最大次数时生效。
func NewFailureHandler(retryWriter, dltWriter MessageWriter, policy RetryPolicy) *FailureHandler {
	return &FailureHandler{
		retryWriter: retryWriter,
		dltWriter:   dltWriter,
		policy:      policy,
		now:         time.Now,
	}
}

// WithExhaustedError 设置死信错误携带的哨兵，便于下游用 errors.Is 识别
func (h *FailureHandler) WithExhaustedError(kind error) *FailureHandler {
	h.exhausted = kind
	return h
}

// Handle 处理一次失败。返回 error 表示连重试/死信都没能写出去，调用方不应提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	task := TaskFromMessage(msg)
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = h.policy.MaxAttempts
	}
	failed := task.Attempt + 1

	if failed < maxAttempts {
		delay := h.policy.Backoff(task.Attempt)
		retry := task
		retry.Attempt = failed
		retry.MaxAttempts = maxAttempts
		retry.NotBefore = h.now().Add(delay)

		out := retry.ToMessage()
		InjectTraceContext(ctx, &out.Headers)
		if err := h.retryWriter.WriteMessages(ctx, out); err != nil {
			return fmt.Errorf("publish retry for task %s/%s: %w", task.Type, task.Key, err)
		}
		metrics.PersistAttempts.WithLabelValues(task.Type, "retry").Inc()
		logger.Ctx(ctx).Warn().
			Err(cause).
			Str("task", task.Type).
			Str("key", task.Key).
			Int("attempt", failed).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("task failed, scheduled for retry")
		return nil
	}

	deadErr := &ExhaustedError{Type: task.Type, Key: task.Key, Attempts: failed, Kind: h.exhausted, Cause: cause}
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(exceptionType(deadErr))},
			kafka.Header{Key: HeaderExceptionMessage, Value: []byte(deadErr.Error())},
		),
	}
	if err := h.dltWriter.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("publish dead letter for task %s/%s: %w", task.Type, task.Key, err)
	}
	metrics.DeadLetters.WithLabelValues(task.Type).Inc()
	logger.Ctx(ctx).Error().
		Err(deadErr).
		Str("task", task.Type).
		Str("key", task.Key).
		Int("attempts", failed).
		Msg("🚨 task exhausted retries, routed to dead-letter topic")
	return nil
}

// exceptionType 优先取哨兵错误的文本，否则取根因的类型名
func exceptionType(err *ExhaustedError) string {
	if err.Kind != nil {
		return err.Kind.Error()
	}
	root := err.Cause
	for {
		next := errors.Unwrap(root)
		if next == nil {
			return fmt.Sprintf("%T", root)
		}
		root = next
	}
}
