package queues

import (
	"errors"

	"github.com/gin-gonic/gin"

	"oip/dprelay/internal/queue"
	"oip/dprelay/pkg/ginx"
)

// Requeue 把死信整体移回队列尾部
// POST /api/v1/queues/:name/requeue
func (h *QueueHandler) Requeue(c *gin.Context) {
	q, ok := h.queues[c.Param("name")]
	if !ok {
		ginx.NotFound(c, "queue not found")
		return
	}

	ctx := c.Request.Context()
	moved, err := q.Requeue(ctx)
	if errors.Is(err, queue.ErrRequeueConflict) {
		ginx.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Errorf(ctx, "[QueueAPI] requeue %s failed: %v", q.Name(), err)
		ginx.InternalError(c, err.Error())
		return
	}

	h.logger.Infof(ctx, "[QueueAPI] requeue %s: moved=%t", q.Name(), moved)
	ginx.Success(c, RequeueResult{Name: q.Name(), Moved: moved})
}
