package middlewares

import (
	"github.com/gin-gonic/gin"

	"oip/dprelay/pkg/ginx"
	"oip/dprelay/pkg/logger"
)

// ErrorHandler 统一错误处理中间件
// 捕获 panic 与未写响应的 c.Errors，统一返回 ginx 结构
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf(c.Request.Context(), "[HTTP] panic: %v", r)
				c.Abort()
				ginx.InternalError(c, "internal server error")
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			ginx.InternalError(c, c.Errors.Last().Error())
		}
	}
}
