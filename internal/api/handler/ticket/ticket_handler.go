package ticket

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// TicketHandler 单据处理器
type TicketHandler struct {
	mgr *manager.Manager
}

// NewTicketHandler 创建单据处理器
func NewTicketHandler(mgr *manager.Manager) *TicketHandler {
	return &TicketHandler{mgr: mgr}
}

// operator 当前操作人，由 OperatorMiddleware 写入
func operator(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		return cast.ToString(v)
	}
	return ""
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		model.HandleError(c, http.StatusBadRequest, fmt.Errorf("invalid %s: %q", name, c.Param(name)))
		return 0, false
	}
	return uint(v), true
}

// CreateTicket 创建单据
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req manager.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid request")
		return
	}
	req.Creator = operator(c)

	ticket, err := h.mgr.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(ticket))
}

// BatchCreateRequest 批量创建单据
type BatchCreateRequest struct {
	Tickets []*manager.CreateRequest `json:"tickets" binding:"required,min=1,dive"`
}

// BatchCreateTickets 批量创建单据，任一校验失败则全部不创建
func (h *TicketHandler) BatchCreateTickets(c *gin.Context) {
	var req BatchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid request")
		return
	}
	creator := operator(c)
	for _, r := range req.Tickets {
		r.Creator = creator
	}

	tickets, err := h.mgr.BatchCreate(c.Request.Context(), req.Tickets)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(tickets))
}

// ListTickets 分页查询单据
func (h *TicketHandler) ListTickets(c *gin.Context) {
	params := model.TicketListParams{
		TicketType: c.Query("ticket_type"),
		Creator:    c.Query("creator"),
		ClusterID:  cast.ToUint(c.Query("cluster_id")),
		Page:       cast.ToInt(c.DefaultQuery("page", "1")),
		PageSize:   cast.ToInt(c.DefaultQuery("page_size", "20")),
	}
	if biz := c.Query("bk_biz_id"); biz != "" {
		bizID, err := cast.ToInt64E(biz)
		if err != nil {
			model.HandleError(c, http.StatusBadRequest, err, "invalid bk_biz_id")
			return
		}
		params.BkBizID = &bizID
	}
	if status := c.Query("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			params.Status = append(params.Status, model.TicketStatus(strings.TrimSpace(s)))
		}
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}

	tickets, total, err := h.mgr.ListTickets(c.Request.Context(), params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(model.NewPaginatedResponse(tickets, total, params.Page, params.PageSize)))
}

// GetTicket 单据详情
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	detail, err := h.mgr.GetTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(detail))
}

// ListFlows 单据的流程
func (h *TicketHandler) ListFlows(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	flows, err := h.mgr.ListFlows(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(flows))
}

// ListTodos 单据的待办
func (h *TicketHandler) ListTodos(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	todos, err := h.mgr.ListTodos(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(todos))
}

// ListNodes 单据内部任务流的节点，按流程ID分组
func (h *TicketHandler) ListNodes(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if _, err := h.mgr.GetTicket(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	nodes, err := h.mgr.FlowNodes(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nodes))
}

// SkipNodeRequest 跳过节点
type SkipNodeRequest struct {
	FlowID uint `json:"flow_id" binding:"required"`
}

// SkipNode 跳过失败的原子节点
func (h *TicketHandler) SkipNode(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req SkipNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid request")
		return
	}
	if err := h.mgr.SkipNode(c.Request.Context(), id, req.FlowID, c.Param("node_id"), operator(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}

// Callback 外部回调恢复单据
func (h *TicketHandler) Callback(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	payload := map[string]interface{}{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			model.HandleError(c, http.StatusBadRequest, err, "invalid request")
			return
		}
	}
	if err := h.mgr.Callback(c.Request.Context(), id, operator(c), payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}

// Revoke 撤销单据
func (h *TicketHandler) Revoke(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.mgr.RevokeTicket(c.Request.Context(), id, operator(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}

// Retry 重试失败的流程
func (h *TicketHandler) Retry(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := h.mgr.RetryTicket(c.Request.Context(), id, operator(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}

// ProcessTodoRequest 处理待办
type ProcessTodoRequest struct {
	Action model.TodoAction       `json:"action" binding:"required,oneof=APPROVE TERMINATE RESOURCE_REPLENISH"`
	Params map[string]interface{} `json:"params"`
}

// ProcessTodo 处理单据的待办
func (h *TicketHandler) ProcessTodo(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	todoID, ok := uintParam(c, "todo_id")
	if !ok {
		return
	}
	var req ProcessTodoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid request")
		return
	}

	todos, err := h.mgr.ListTodos(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	found := false
	for _, t := range todos {
		if t.ID == todoID {
			found = true
			break
		}
	}
	if !found {
		model.HandleError(c, http.StatusNotFound, fmt.Errorf("todo %d not found in ticket %d", todoID, id))
		return
	}

	if err := h.mgr.ProcessTodo(c.Request.Context(), todoID, req.Action, operator(c), req.Params); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}

// BatchProcessRequest 批量处理待办
type BatchProcessRequest struct {
	Operations []manager.TodoOperation `json:"operations" binding:"required,min=1,dive"`
}

// BatchProcessTodos 批量处理待办，逐个返回处理结果
func (h *TicketHandler) BatchProcessTodos(c *gin.Context) {
	var req BatchProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid request")
		return
	}
	results := h.mgr.BatchProcessTodos(c.Request.Context(), req.Operations, operator(c))
	c.JSON(http.StatusOK, model.Success(results))
}
