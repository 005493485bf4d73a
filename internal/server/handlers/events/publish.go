package events

import (
	"strings"

	"github.com/gin-gonic/gin"

	"oip/dprelay/pkg/ginx"
)

// IdempotencyHeader 请求体未带幂等键时读取的请求头
const IdempotencyHeader = "Idempotency-Key"

// Publish 发布事件
// POST /api/v1/events
// 同一幂等键在去重窗口内只会被 stream 接收一次
func (h *EventHandler) Publish(c *gin.Context) {
	if h.publisher == nil {
		ginx.ServiceUnavailable(c, "event publishing is not configured")
		return
	}

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ginx.BadRequestWithValidation(c, err)
		return
	}
	if strings.ContainsAny(req.Subject, "*> ") {
		ginx.BadRequest(c, "subject must not contain wildcards or spaces")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyHeader)
	}

	ctx := c.Request.Context()
	if err := h.publisher.Publish(ctx, req.Subject, req.Data, req.IdempotencyKey); err != nil {
		h.logger.Errorf(ctx, "[EventAPI] publish %s failed: %v", req.Subject, err)
		ginx.InternalError(c, err.Error())
		return
	}

	ginx.Accepted(c, PublishResponse{Subject: req.Subject, IdempotencyKey: req.IdempotencyKey})
}
