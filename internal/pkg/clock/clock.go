package clock

import "time"

// Clock 允许在领域服务中注入时间
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem 返回基于 time.Now 的时钟
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed 返回一个永远停在同一时刻的时钟（测试用）
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
