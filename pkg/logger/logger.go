package logger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 日志接口
// Child/Log/Error 是引擎需要的协作者接口，Debugf 等保持 ctx 感知的格式化写法
type Logger interface {
	Debugf(ctx context.Context, format string, args ...interface{})
	Infof(ctx context.Context, format string, args ...interface{})
	Warnf(ctx context.Context, format string, args ...interface{})
	Errorf(ctx context.Context, format string, args ...interface{})

	// Child 派生带固定字段的子 Logger
	Child(fields map[string]interface{}) Logger
	// Log 记录一条结构化数据
	Log(ctx context.Context, data interface{})
	// Error 记录错误及其上下文数据
	Error(ctx context.Context, err error, data interface{})

	Sync() error
}

type ctxKey string

// Context 字段键
const (
	TraceIDKey  ctxKey = "trace_id"
	WorkerIDKey ctxKey = "worker_id"
	SubjectKey  ctxKey = "subject"
	QueueKey    ctxKey = "queue"
)

// ZapLogger Zap 日志实现
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger 创建 Zap 日志实例
func NewZapLogger(level string) (Logger, error) {
	// 解析日志级别
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: logger}, nil
}

// New 包装已有的 zap.Logger
func New(l *zap.Logger) Logger {
	return &ZapLogger{logger: l}
}

// NewNop 丢弃所有输出
func NewNop() Logger {
	return &ZapLogger{logger: zap.NewNop()}
}

// extractFields 从 Context 提取日志字段
func (l *ZapLogger) extractFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0)
	if ctx == nil {
		return fields
	}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(int); ok {
		fields = append(fields, zap.Int("worker_id", workerID))
	}
	if subject, ok := ctx.Value(SubjectKey).(string); ok && subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	if queue, ok := ctx.Value(QueueKey).(string); ok && queue != "" {
		fields = append(fields, zap.String("queue", queue))
	}

	return fields
}

// Debugf 输出 Debug 日志
func (l *ZapLogger) Debugf(ctx context.Context, format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), l.extractFields(ctx)...)
}

// Infof 输出 Info 日志
func (l *ZapLogger) Infof(ctx context.Context, format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), l.extractFields(ctx)...)
}

// Warnf 输出 Warn 日志
func (l *ZapLogger) Warnf(ctx context.Context, format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), l.extractFields(ctx)...)
}

// Errorf 输出 Error 日志
func (l *ZapLogger) Errorf(ctx context.Context, format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), l.extractFields(ctx)...)
}

// Child 派生子 Logger，字段按 key 排序保证输出稳定
func (l *ZapLogger) Child(fields map[string]interface{}) Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Log 记录结构化数据
func (l *ZapLogger) Log(ctx context.Context, data interface{}) {
	fields := append(l.extractFields(ctx), zap.Any("data", data))
	l.logger.Info("log", fields...)
}

// Error 记录错误
func (l *ZapLogger) Error(ctx context.Context, err error, data interface{}) {
	fields := append(l.extractFields(ctx), zap.Error(err), zap.Any("data", data))
	msg := "error"
	if err != nil {
		msg = err.Error()
	}
	l.logger.Error(msg, fields...)
}

// Sync 同步日志缓冲区
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
