package worker

import (
	"context"
	"time"

	"oip/dprelay/pkg/logger"
)

// Worker 受 Manager 管理的长循环（queue.Worker、ingest.Bridge 均满足）
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// supervise 运行 Worker 直到 ctx 取消
// 工作队列在空闲预算耗尽时会正常返回，这里退避后重新进入
func supervise(ctx context.Context, w Worker, backoff time.Duration, log logger.Logger) {
	ctx = context.WithValue(ctx, logger.QueueKey, w.Name())
	log.Infof(ctx, "[Worker] %s started", w.Name())

	for {
		if err := w.Run(ctx); err != nil {
			log.Errorf(ctx, "[Worker] %s exited with error: %v", w.Name(), err)
		}

		select {
		case <-ctx.Done():
			log.Infof(ctx, "[Worker] %s shutdown complete", w.Name())
			return
		case <-time.After(backoff):
		}
	}
}
