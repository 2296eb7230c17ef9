package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware 捕获 handler 中的 panic，记录单据上下文与堆栈后返回 500
// 响应中不携带 panic 内容，详情只进日志
func RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.APIPanicsTotal.WithLabelValues(endpoint).Inc()

		fields := []zap.Field{
			zap.Error(err),
			zap.String("method", c.Request.Method),
			zap.String("endpoint", endpoint),
			zap.String("url", c.Request.URL.RequestURI()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("operator", c.GetString("username")),
		}
		// 单据相关路由带上单据与待办 ID，便于和引擎日志对齐
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("ticket_id", id))
		}
		if todoID := c.Param("todo_id"); todoID != "" {
			fields = append(fields, zap.String("todo_id", todoID))
		}
		fields = append(fields, zap.ByteString("stack", debug.Stack()))
		logger.Error("[API] Panic recovered", fields...)

		c.AbortWithStatusJSON(http.StatusInternalServerError, model.Error(http.StatusInternalServerError, "internal server error"))
	})
}
