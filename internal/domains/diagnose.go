package domains

import (
	"context"
	"errors"
	"time"

	"oip/dprelay/internal/queue"
	"oip/dprelay/pkg/errorutil"
	"oip/dprelay/pkg/infra/mysql"
	"oip/dprelay/pkg/infra/redis"
	"oip/dprelay/pkg/logger"
)

// Notifier 处理完成通知（redis.PubSub 实现），可为 nil
type Notifier interface {
	PublishProcessed(ctx context.Context, notification *redis.ProcessedNotification) error
}

// NewDiagnoseHandler 诊断任务处理函数：把归档记录标记为已处理
// 记录不存在是终止错误（留在死信中），其余存储错误返回重试信号
func NewDiagnoseHandler(store EventStore, notify Notifier, log logger.Logger) queue.Handler[DiagnoseJob] {
	if log == nil {
		log = logger.NewNop()
	}
	return func(ctx context.Context, job DiagnoseJob) error {
		if job.RequestID != "" {
			ctx = context.WithValue(ctx, logger.TraceIDKey, job.RequestID)
		}

		if err := store.MarkProcessed(ctx, job.EventID); err != nil {
			if errors.Is(err, mysql.ErrEventNotFound) {
				return errorutil.NonRetriableWithDetails("event not archived", job.EventID)
			}
			return errorutil.Retry(err)
		}

		// 通知失败不影响处理结果
		if notify != nil {
			err := notify.PublishProcessed(ctx, &redis.ProcessedNotification{
				EventID:   job.EventID,
				OrderID:   job.OrderID,
				Subject:   job.Subject,
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				log.Warnf(ctx, "[Diagnose] Notify %s failed: %v", job.EventID, err)
			}
		}

		log.Infof(ctx, "[Diagnose] Processed order %s (event %s, %s)", job.OrderID, job.EventID, job.Subject)
		return nil
	}
}
