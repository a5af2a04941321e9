// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Init 配置全局 zerolog，所有服务在启动时调用一次
func Init(serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	// 没有携带 logger 的 context 也能拿到带 service 字段的全局 logger
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Ctx 从 context 中取出 logger
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithTrace 把当前 span 的 trace_id 挂到 context 的 logger 上
func WithTrace(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ctx
	}
	l := Ctx(ctx).With().Str("trace_id", sc.TraceID().String()).Logger()
	return l.WithContext(ctx)
}

// With 给 context 中的 logger 追加字段
func With(ctx context.Context, fields map[string]string) context.Context {
	c := Ctx(ctx).With()
	for k, v := range fields {
		c = c.Str(k, v)
	}
	l := c.Logger()
	return l.WithContext(ctx)
}
