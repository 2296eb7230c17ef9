package middleware

import (
	"net/http"
	"strings"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/gin-gonic/gin"
)

// OperatorHeader 网关透传的操作人
const OperatorHeader = "X-Bk-Username"

// OperatorMiddleware 从网关头中读取操作人，缺失时拒绝请求
// 认证由前置网关完成，引擎只信任网关写入的用户名
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader(OperatorHeader))
		if username == "" {
			c.JSON(http.StatusUnauthorized, model.Error(401, "缺少操作人: "+OperatorHeader))
			c.Abort()
			return
		}
		c.Set("username", username)
		c.Next()
	}
}
