package queues

import (
	"github.com/gin-gonic/gin"

	"oip/dprelay/pkg/ginx"
)

// Get 队列长度与死信数量
// GET /api/v1/queues/:name
func (h *QueueHandler) Get(c *gin.Context) {
	q, ok := h.queues[c.Param("name")]
	if !ok {
		ginx.NotFound(c, "queue not found")
		return
	}

	ctx := c.Request.Context()
	length, err := q.Length(ctx)
	if err != nil {
		h.logger.Errorf(ctx, "[QueueAPI] length %s failed: %v", q.Name(), err)
		ginx.InternalError(c, err.Error())
		return
	}
	dead, err := q.DeadLetterCount(ctx)
	if err != nil {
		h.logger.Errorf(ctx, "[QueueAPI] dead letter count %s failed: %v", q.Name(), err)
		ginx.InternalError(c, err.Error())
		return
	}

	ginx.Success(c, QueueStats{Name: q.Name(), Length: length, DeadLetters: dead})
}

// DeadLetters 死信（含处理中）元素
// GET /api/v1/queues/:name/dead-letters
func (h *QueueHandler) DeadLetters(c *gin.Context) {
	q, ok := h.queues[c.Param("name")]
	if !ok {
		ginx.NotFound(c, "queue not found")
		return
	}

	items, err := q.DeadLetterPayloads(c.Request.Context())
	if err != nil {
		h.logger.Errorf(c.Request.Context(), "[QueueAPI] dead letters %s failed: %v", q.Name(), err)
		ginx.InternalError(c, err.Error())
		return
	}

	ginx.Success(c, gin.H{"name": q.Name(), "items": items})
}
