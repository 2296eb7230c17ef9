package approval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
)

// ITSMProvider 流程服务（ITSM）审批提供者
type ITSMProvider struct {
	api         *apiclient.Client
	callbackURL string
}

// NewITSMProvider 创建 ITSM 审批提供者
func NewITSMProvider(endpoint config.ServiceEndpoint) *ITSMProvider {
	return &ITSMProvider{api: apiclient.New("itsm", endpoint)}
}

// WithCallbackURL 审批结束后 ITSM 回调的地址，请求未指定时使用
func (p *ITSMProvider) WithCallbackURL(url string) *ITSMProvider {
	p.callbackURL = url
	return p
}

// GetName 获取平台名称
func (p *ITSMProvider) GetName() string {
	return "itsm"
}

// OpenTicket 创建审批单
func (p *ITSMProvider) OpenTicket(ctx context.Context, req *OpenRequest) (string, error) {
	if len(req.Approvers) == 0 {
		return "", fmt.Errorf("itsm ticket requires at least one approver")
	}

	fields := []Field{
		{Key: "title", Name: "标题", Value: req.Title},
		{Key: "ticket_id", Name: "单据ID", Value: strconv.FormatUint(uint64(req.TicketID), 10)},
		{Key: "ticket_type", Name: "单据类型", Value: req.TicketType},
		{Key: "bk_biz_id", Name: "业务", Value: strconv.FormatInt(req.BkBizID, 10)},
	}
	fields = append(fields, req.Fields...)

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = p.callbackURL
	}

	var result struct {
		SN string `json:"sn"`
	}
	err := p.api.Post(ctx, "/create_ticket", map[string]interface{}{
		"creator":       req.Creator,
		"fields":        fields,
		"approvers":     req.Approvers,
		"meta":          map[string]interface{}{"callback_url": callbackURL},
		"fast_approval": false,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.SN == "" {
		return "", fmt.Errorf("itsm returned empty ticket sn")
	}
	return result.SN, nil
}

// QueryStatus 查询审批单状态
func (p *ITSMProvider) QueryStatus(ctx context.Context, handle string) (*StatusResult, error) {
	var result struct {
		CurrentStatus string `json:"current_status"`
		ApproveResult *bool  `json:"approve_result"`
		Operator      string `json:"updated_by"`
		Comment       string `json:"comment"`
	}
	if err := p.api.Post(ctx, "/ticket_approval_result", map[string]interface{}{"sn": handle}, &result); err != nil {
		return nil, err
	}

	return &StatusResult{
		Handle:   handle,
		Status:   convertITSMStatus(result.CurrentStatus, result.ApproveResult),
		Operator: result.Operator,
		Comment:  result.Comment,
	}, nil
}

// convertITSMStatus 转换状态
func convertITSMStatus(current string, approveResult *bool) Status {
	switch current {
	case "FINISHED":
		if approveResult != nil && !*approveResult {
			return StatusRejected
		}
		return StatusApproved
	case "TERMINATED":
		return StatusRejected
	case "REVOKED":
		return StatusCanceled
	default:
		return StatusPending
	}
}

// Cancel 撤销审批单
func (p *ITSMProvider) Cancel(ctx context.Context, handle, operator string) error {
	return p.api.Post(ctx, "/operate_ticket", map[string]interface{}{
		"sn":             handle,
		"operator":       operator,
		"action_type":    "WITHDRAW",
		"action_message": "ticket revoked",
	}, nil)
}

// ProcessTodo 处理当前审批节点
func (p *ITSMProvider) ProcessTodo(ctx context.Context, handle string, action Action, operator, remark string) error {
	approved := "true"
	if action == ActionReject {
		approved = "false"
	}
	return p.api.Post(ctx, "/approve", map[string]interface{}{
		"sn":       handle,
		"operator": operator,
		"result":   approved,
		"opinion":  remark,
	}, nil)
}

// HandleCallback 处理审批回调
func (p *ITSMProvider) HandleCallback(_ context.Context, data map[string]interface{}) (*StatusResult, error) {
	sn, _ := data["sn"].(string)
	if sn == "" {
		return nil, fmt.Errorf("invalid itsm callback: missing sn")
	}
	current, _ := data["current_status"].(string)
	operator, _ := data["updated_by"].(string)
	comment, _ := data["comment"].(string)

	var approveResult *bool
	if v, ok := data["approve_result"].(bool); ok {
		approveResult = &v
	}

	return &StatusResult{
		Handle:   sn,
		Status:   convertITSMStatus(current, approveResult),
		Operator: operator,
		Comment:  comment,
	}, nil
}
