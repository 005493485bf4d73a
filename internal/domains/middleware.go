package domains

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"oip/dprelay/internal/registry"
	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/logger"
)

// RequireJSON group 级中间件：payload 不是合法 JSON 时短路，按终止错误处理
func RequireJSON() registry.Middleware {
	return func(ctx context.Context, msg *registry.Message, next registry.Next) error {
		if !json.Valid(msg.Data) {
			return errorutil.NonRetriableWithDetails("invalid json payload", msg.Subject)
		}
		return next(ctx)
	}
}

// WithTrace 把 request_id 注入 ctx，缺失时生成一个
func WithTrace() registry.Middleware {
	return func(ctx context.Context, msg *registry.Message, next registry.Next) error {
		var meta struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(msg.Data, &meta)

		if meta.RequestID == "" {
			meta.RequestID = uuid.New().String()
		}

		ctx = context.WithValue(ctx, logger.TraceIDKey, meta.RequestID)
		ctx = context.WithValue(ctx, logger.SubjectKey, msg.Subject)
		return next(ctx)
	}
}
