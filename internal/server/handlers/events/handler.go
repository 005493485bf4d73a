package events

import (
	"encoding/json"

	"oip/dprelay/internal/stream"
	"oip/dprelay/pkg/logger"
)

// EventHandler 事件发布接口
type EventHandler struct {
	publisher stream.Publisher
	logger    logger.Logger
}

// NewEventHandler 创建事件处理器实例，publisher 为 nil 时接口返回 503
func NewEventHandler(publisher stream.Publisher, log logger.Logger) *EventHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventHandler{
		publisher: publisher,
		logger:    log,
	}
}

// PublishRequest 发布请求
type PublishRequest struct {
	Subject        string          `json:"subject" binding:"required,max=255"`
	Data           json.RawMessage `json:"data" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"omitempty,max=128"`
}

// PublishResponse 发布结果
type PublishResponse struct {
	Subject        string `json:"subject"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
