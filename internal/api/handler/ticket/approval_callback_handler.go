package ticket

import (
	"net/http"

	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ApprovalCallbackHandler 审批平台回调处理器
type ApprovalCallbackHandler struct {
	mgr *manager.Manager
}

// NewApprovalCallbackHandler 创建审批回调处理器
func NewApprovalCallbackHandler(mgr *manager.Manager) *ApprovalCallbackHandler {
	return &ApprovalCallbackHandler{mgr: mgr}
}

// FeishuCallbackRequest 飞书回调请求结构
type FeishuCallbackRequest struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventType string `json:"event_type"`
		EventID   string `json:"event_id"`
	} `json:"header"`
	Event struct {
		InstanceCode string `json:"instance_code"`
		Status       string `json:"status"`
		Comment      string `json:"comment"`
		UserID       string `json:"user_id"`
		Operator     struct {
			UserID string `json:"user_id"`
		} `json:"operator"`
	} `json:"event"`
}

// HandleFeishuCallback 处理飞书审批回调
func (h *ApprovalCallbackHandler) HandleFeishuCallback(c *gin.Context) {
	var req FeishuCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid feishu callback")
		return
	}

	// URL 校验
	if req.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": req.Challenge})
		return
	}
	if req.Header.EventType != "approval_instance" || req.Event.InstanceCode == "" {
		c.JSON(http.StatusOK, model.Success(nil))
		return
	}
	if !h.accepts(c, "feishu") {
		return
	}

	operator := req.Event.Operator.UserID
	if operator == "" {
		operator = req.Event.UserID
	}
	data := map[string]interface{}{
		"instance_code": req.Event.InstanceCode,
		"status":        req.Event.Status,
		"approver_name": operator,
		"comment":       req.Event.Comment,
	}
	h.dispatch(c, "feishu", data)
}

// HandleITSMCallback 处理 ITSM 审批回调，请求体原样交给审批平台解析
func (h *ApprovalCallbackHandler) HandleITSMCallback(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		model.HandleError(c, http.StatusBadRequest, err, "invalid itsm callback")
		return
	}
	if !h.accepts(c, "itsm") {
		return
	}
	h.dispatch(c, "itsm", data)
}

// accepts 只接受当前启用的审批平台的回调
func (h *ApprovalCallbackHandler) accepts(c *gin.Context, platform string) bool {
	if h.mgr.ApprovalPlatform() == platform {
		return true
	}
	c.JSON(http.StatusNotFound, model.Error(http.StatusNotFound, "approval platform "+platform+" is not enabled"))
	return false
}

func (h *ApprovalCallbackHandler) dispatch(c *gin.Context, platform string, data map[string]interface{}) {
	if err := h.mgr.HandleApprovalCallback(c.Request.Context(), data); err != nil {
		logger.Warn("[ApprovalCallback] handle callback failed", zap.String("platform", platform), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(nil))
}
