package queues

import (
	"oip/dprelay/internal/queue"
	"oip/dprelay/pkg/logger"
)

// QueueHandler 工作队列管理接口
type QueueHandler struct {
	queues map[string]queue.Admin
	logger logger.Logger
}

// NewQueueHandler 创建队列处理器实例
func NewQueueHandler(queues map[string]queue.Admin, log logger.Logger) *QueueHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &QueueHandler{
		queues: queues,
		logger: log,
	}
}

// QueueStats 队列概况
type QueueStats struct {
	Name        string `json:"name"`
	Length      int64  `json:"length"`
	DeadLetters int64  `json:"dead_letters"`
}

// RequeueResult 重放结果
type RequeueResult struct {
	Name  string `json:"name"`
	Moved bool   `json:"moved"`
}
