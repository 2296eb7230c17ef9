package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fisker/dbm-flow/pkg/config"
)

// FeishuProvider 飞书审批提供者
type FeishuProvider struct {
	config  config.FeishuConfig
	baseURL string
	client  *http.Client
}

// NewFeishuProvider 创建飞书审批提供者
func NewFeishuProvider(cfg config.FeishuConfig) *FeishuProvider {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = "https://open.larksuite.com/open-apis"
	}

	return &FeishuProvider{
		config:  cfg,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetName 获取平台名称
func (p *FeishuProvider) GetName() string {
	return "feishu"
}

// feishuInstance 审批实例详情
type feishuInstance struct {
	Status   string `json:"status"`
	TaskList []struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
		Status string `json:"status"`
	} `json:"task_list"`
	Timeline []struct {
		Type    string `json:"type"`
		UserID  string `json:"user_id"`
		Comment string `json:"comment"`
	} `json:"timeline"`
}

// getTenantAccessToken 获取租户访问令牌
func (p *FeishuProvider) getTenantAccessToken(ctx context.Context) (string, error) {
	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
	}
	err := p.call(ctx, http.MethodPost, "/auth/v3/tenant_access_token/internal", "", map[string]string{
		"app_id":     p.config.AppID,
		"app_secret": p.config.AppSecret,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("获取飞书访问令牌失败 [%d]: %s", result.Code, result.Msg)
	}
	return result.TenantAccessToken, nil
}

// call 发送请求并解析完整响应体
func (p *FeishuProvider) call(ctx context.Context, method, path, token string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("解析响应失败: %v", err)
	}
	return nil
}

// buildFormContent 构建表单内容
func (p *FeishuProvider) buildFormContent(req *OpenRequest) string {
	formData := []map[string]interface{}{
		{"id": "title", "type": "input", "value": req.Title},
		{"id": "ticket_id", "type": "input", "value": fmt.Sprintf("%d", req.TicketID)},
		{"id": "ticket_type", "type": "input", "value": req.TicketType},
	}
	for _, field := range req.Fields {
		formData = append(formData, map[string]interface{}{
			"id":    field.Key,
			"type":  "input",
			"value": field.Value,
		})
	}
	jsonData, _ := json.Marshal(formData)
	return string(jsonData)
}

// OpenTicket 创建审批单
func (p *FeishuProvider) OpenTicket(ctx context.Context, req *OpenRequest) (string, error) {
	if p.config.ApprovalCode == "" {
		return "", fmt.Errorf("审批代码未配置")
	}

	token, err := p.getTenantAccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("获取访问令牌失败: %v", err)
	}

	reqBody := map[string]interface{}{
		"approval_code": p.config.ApprovalCode,
		"user_id":       req.Creator,
		"form":          p.buildFormContent(req),
	}
	if len(req.Approvers) > 0 {
		reqBody["node_approver_user_id_list"] = []map[string]interface{}{
			{"key": "default_node", "value": req.Approvers},
		}
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			InstanceCode string `json:"instance_code"`
		} `json:"data"`
	}
	if err := p.call(ctx, http.MethodPost, "/approval/v4/instances", token, reqBody, &result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("HTTP请求失败 [%d]: %s", result.Code, result.Msg)
	}
	return result.Data.InstanceCode, nil
}

// getInstance 获取审批实例
func (p *FeishuProvider) getInstance(ctx context.Context, token, handle string) (*feishuInstance, error) {
	var result struct {
		Code int            `json:"code"`
		Msg  string         `json:"msg"`
		Data feishuInstance `json:"data"`
	}
	if err := p.call(ctx, http.MethodGet, "/approval/v4/instances/"+handle, token, nil, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("get approval status failed: %s", result.Msg)
	}
	return &result.Data, nil
}

// QueryStatus 查询审批单状态
func (p *FeishuProvider) QueryStatus(ctx context.Context, handle string) (*StatusResult, error) {
	token, err := p.getTenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := p.getInstance(ctx, token, handle)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		Handle: handle,
		Status: convertFeishuStatus(instance.Status),
	}
	for i := len(instance.Timeline) - 1; i >= 0; i-- {
		node := instance.Timeline[i]
		if node.Type == "PASS" || node.Type == "REJECT" {
			result.Operator = node.UserID
			result.Comment = node.Comment
			break
		}
	}
	return result, nil
}

// convertFeishuStatus 转换状态
func convertFeishuStatus(feishuStatus string) Status {
	switch feishuStatus {
	case "APPROVED":
		return StatusApproved
	case "REJECTED":
		return StatusRejected
	case "CANCELED", "DELETED":
		return StatusCanceled
	default:
		return StatusPending
	}
}

// Cancel 撤回审批单
func (p *FeishuProvider) Cancel(ctx context.Context, handle, operator string) error {
	token, err := p.getTenantAccessToken(ctx)
	if err != nil {
		return err
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	err = p.call(ctx, http.MethodPost, "/approval/v4/instances/cancel", token, map[string]interface{}{
		"approval_code": p.config.ApprovalCode,
		"instance_code": handle,
		"user_id":       operator,
	}, &result)
	if err != nil {
		return err
	}
	if result.Code != 0 {
		return fmt.Errorf("cancel approval failed: %s", result.Msg)
	}
	return nil
}

// ProcessTodo 处理当前待审批任务
func (p *FeishuProvider) ProcessTodo(ctx context.Context, handle string, action Action, operator, remark string) error {
	token, err := p.getTenantAccessToken(ctx)
	if err != nil {
		return err
	}
	instance, err := p.getInstance(ctx, token, handle)
	if err != nil {
		return err
	}

	taskID := ""
	for _, task := range instance.TaskList {
		if task.Status == "PENDING" {
			taskID = task.ID
			break
		}
	}
	if taskID == "" {
		return fmt.Errorf("approval %s has no pending task", handle)
	}

	path := "/approval/v4/tasks/approve"
	if action == ActionReject {
		path = "/approval/v4/tasks/reject"
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	err = p.call(ctx, http.MethodPost, path, token, map[string]interface{}{
		"approval_code": p.config.ApprovalCode,
		"instance_code": handle,
		"user_id":       operator,
		"task_id":       taskID,
		"comment":       remark,
	}, &result)
	if err != nil {
		return err
	}
	if result.Code != 0 {
		return fmt.Errorf("process approval task failed: %s", result.Msg)
	}
	return nil
}

// HandleCallback 处理审批回调
func (p *FeishuProvider) HandleCallback(_ context.Context, data map[string]interface{}) (*StatusResult, error) {
	instanceCode, _ := data["instance_code"].(string)
	if instanceCode == "" {
		return nil, fmt.Errorf("invalid callback data")
	}
	status, _ := data["status"].(string)
	approverName, _ := data["approver_name"].(string)
	comment, _ := data["comment"].(string)

	return &StatusResult{
		Handle:   instanceCode,
		Status:   convertFeishuStatus(status),
		Operator: approverName,
		Comment:  comment,
	}, nil
}
