package routers

import (
	"github.com/gin-gonic/gin"

	"oip/dprelay/internal/server/handlers/events"
	"oip/dprelay/internal/server/handlers/queues"
	"oip/dprelay/internal/server/middlewares"
	"oip/dprelay/pkg/logger"
)

// SetupRoutes 配置所有路由，使用 Route Group 分类
func SetupRoutes(
	service string,
	queueHandler *queues.QueueHandler,
	eventHandler *events.EventHandler,
	log logger.Logger,
) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	r := gin.New()

	r.Use(middlewares.Logger(log))
	r.Use(middlewares.ErrorHandler(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": service,
			"message": "Service is running",
		})
	})

	v1 := r.Group("/api/v1")
	{
		q := v1.Group("/queues")
		{
			q.GET("/:name", queueHandler.Get)
			q.GET("/:name/dead-letters", queueHandler.DeadLetters)
			q.POST("/:name/requeue", queueHandler.Requeue)
		}

		v1.POST("/events", eventHandler.Publish)
	}

	return r
}
