package router

import (
	"context"
	"net/http"
	"time"

	"github.com/fisker/dbm-flow/internal/api/handler"
	"github.com/fisker/dbm-flow/internal/api/middleware"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker 健康检查，返回 nil 表示依赖可用
type HealthChecker func(ctx context.Context) error

func Setup(
	ticketHandler *handler.TicketHandler,
	approvalCallbackHandler *handler.ApprovalCallbackHandler,
	health HealthChecker,
	mode string,
) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()

	// 使用自定义的 recovery 中间件（打印详细错误信息）
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.MetricsMiddleware())
	if mode == gin.DebugMode {
		r.Use(gin.Logger())
	}

	api := r.Group("/api")

	// 第三方审批平台回调（不需要操作人）
	api.POST("/approvals/feishu/callback", approvalCallbackHandler.HandleFeishuCallback)
	api.POST("/approvals/itsm/callback", approvalCallbackHandler.HandleITSMCallback)

	authenticated := api.Group("")
	authenticated.Use(middleware.OperatorMiddleware())
	{
		tickets := authenticated.Group("/tickets")
		{
			tickets.GET("", ticketHandler.ListTickets)
			tickets.POST("", ticketHandler.CreateTicket)
			tickets.POST("/batch", ticketHandler.BatchCreateTickets)
			tickets.POST("/approvals/batch", ticketHandler.BatchProcessTodos)

			tickets.GET("/:id", ticketHandler.GetTicket)
			tickets.GET("/:id/flows", ticketHandler.ListFlows)
			tickets.GET("/:id/todos", ticketHandler.ListTodos)
			tickets.GET("/:id/nodes", ticketHandler.ListNodes)
			tickets.POST("/:id/nodes/:node_id/skip", ticketHandler.SkipNode)
			tickets.POST("/:id/callback", ticketHandler.Callback)
			tickets.POST("/:id/revoke", ticketHandler.Revoke)
			tickets.POST("/:id/retry", ticketHandler.Retry)
			tickets.POST("/:id/todos/:todo_id/process", ticketHandler.ProcessTodo)
		}
	}

	// Prometheus Metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check (支持 GET 和 HEAD 方法)
	r.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "type": "dbm-flow"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, model.Error(http.StatusNotFound, "the requested resource was not found"))
	})

	return r
}
