package mq

import (
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// 任务消息头
const (
	HeaderTaskType        = "task-type"
	HeaderTaskAttempt     = "task-attempt"
	HeaderTaskMaxAttempts = "task-max-attempts"
	HeaderNotBefore       = "not-before"

	// 死信消息头，记录原始位置和失败原因
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionFqcn     = "dlt-exception-fqcn"
	HeaderExceptionMessage  = "dlt-exception-message"
)

// RetryPolicy 描述任务的有限次重试与指数退避
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 5 次尝试，2s 起步的指数退避
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    2 * time.Minute,
}

// Backoff 返回第 attempt 次失败（从 0 开始）之后的等待时间: base * 2^attempt，封顶 MaxDelay
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Task 是在持久化队列中流转的任务信封
type Task struct {
	Type        string
	Key         string // 去重键，同时作为 kafka 消息 key
	Payload     []byte
	Attempt     int // 已经失败的次数
	MaxAttempts int
	NotBefore   time.Time
}

// ToMessage 将任务编码为 kafka 消息（不含 Topic，由 writer 决定）
func (t Task) ToMessage() kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderTaskType, Value: []byte(t.Type)},
		{Key: HeaderTaskAttempt, Value: []byte(strconv.Itoa(t.Attempt))},
		{Key: HeaderTaskMaxAttempts, Value: []byte(strconv.Itoa(t.MaxAttempts))},
	}
	if !t.NotBefore.IsZero() {
		headers = append(headers, kafka.Header{Key: HeaderNotBefore, Value: []byte(t.NotBefore.UTC().Format(time.RFC3339Nano))})
	}
	return kafka.Message{
		Key:     []byte(t.Key),
		Value:   t.Payload,
		Headers: headers,
	}
}

// TaskFromMessage 从 kafka 消息解码任务。缺失的数值头按 0 处理。
func TaskFromMessage(msg kafka.Message) Task {
	t := Task{
		Type:    HeaderValue(msg.Headers, HeaderTaskType),
		Key:     string(msg.Key),
		Payload: msg.Value,
	}
	t.Attempt, _ = strconv.Atoi(HeaderValue(msg.Headers, HeaderTaskAttempt))
	t.MaxAttempts, _ = strconv.Atoi(HeaderValue(msg.Headers, HeaderTaskMaxAttempts))
	if nb := HeaderValue(msg.Headers, HeaderNotBefore); nb != "" {
		t.NotBefore, _ = time.Parse(time.RFC3339Nano, nb)
	}
	return t
}
