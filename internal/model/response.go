package model

import (
	"fmt"

	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(data interface{}) Response {
	return Response{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

func Error(code int, message string) Response {
	return Response{
		Code:    code,
		Message: message,
	}
}

// HandleError 统一错误处理函数，记录详细日志并返回错误响应
func HandleError(c *gin.Context, code int, err error, context ...string) {
	HandleErrorWithData(c, code, err, nil, context...)
}

// HandleErrorWithData 返回带附加数据的错误响应（如校验失败的字段列表）
func HandleErrorWithData(c *gin.Context, code int, err error, data interface{}, context ...string) {
	errorMsg := err.Error()
	if len(context) > 0 {
		errorMsg = fmt.Sprintf("%s: %v", context[0], err)
	}

	username := ""
	if uname, exists := c.Get("username"); exists {
		username = fmt.Sprintf("%v", uname)
	}

	fields := []zap.Field{
		zap.Int("code", code),
		zap.String("method", c.Request.Method),
		zap.String("url", c.Request.URL.RequestURI()),
		zap.String("client_ip", c.ClientIP()),
		zap.String("username", username),
		zap.String("error", errorMsg),
	}
	if code >= 500 {
		logger.Error("Request error", fields...)
	} else {
		logger.Warn("Request rejected", fields...)
	}

	resp := Error(code, errorMsg)
	resp.Data = data
	c.JSON(code, resp)
}

// PaginatedResponse 分页响应
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// NewPaginatedResponse 构造分页响应
func NewPaginatedResponse(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
