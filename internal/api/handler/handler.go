// Package handler 提供统一的 handler 导出
// 所有 handler 按功能模块分类到子目录中
package handler

import (
	ticketHandler "github.com/fisker/dbm-flow/internal/api/handler/ticket"
)

// Ticket handlers
type TicketHandler = ticketHandler.TicketHandler
type ApprovalCallbackHandler = ticketHandler.ApprovalCallbackHandler

var NewTicketHandler = ticketHandler.NewTicketHandler
var NewApprovalCallbackHandler = ticketHandler.NewApprovalCallbackHandler
