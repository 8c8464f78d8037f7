// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	base.Store(&l)
}

// Init 设置全局日志级别与服务名，应在进程启动时调用一次
func Init(serviceName, level string) {
	InitWithWriter(os.Stdout, serviceName, level)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试中写入 buffer）
func InitWithWriter(w io.Writer, serviceName, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Str("service", serviceName).Logger()
	base.Store(&l)
	zlog.Logger = l
}

// SetLevel 运行时调整日志级别（配置中心热更新时调用）
func SetLevel(level string) {
	l := base.Load().Level(parseLevel(level))
	base.Store(&l)
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Ctx 返回带有当前 Span 的 trace_id / span_id 的 logger
func Ctx(ctx context.Context) *zerolog.Logger {
	l := *base.Load()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &l
}

// L 返回不携带上下文的基础 logger
func L() *zerolog.Logger {
	l := *base.Load()
	return &l
}
