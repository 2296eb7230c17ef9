// Package jobexecutor 作业平台客户端，在目标主机上执行脚本
package jobexecutor

import (
	"context"

	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
)

// JobStatus 作业状态
type JobStatus string

const (
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// Target 目标主机
type Target struct {
	IP        string `json:"ip"`
	BkCloudID int    `json:"bk_cloud_id"`
}

// ScriptRequest 快速执行脚本请求
type ScriptRequest struct {
	BkBizID       int64                  `json:"bk_biz_id"`
	TaskName      string                 `json:"task_name"`
	Targets       []Target               `json:"target_server"`
	ScriptContent string                 `json:"script_content"`
	ScriptParam   string                 `json:"script_param,omitempty"`
	Timeout       int                    `json:"timeout"`
	Account       string                 `json:"account_alias"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// JobResult 作业执行结果
type JobResult struct {
	Status JobStatus `json:"status"`
	Log    string    `json:"log"`
}

// Client 作业平台接口
type Client interface {
	FastExecuteScript(ctx context.Context, req *ScriptRequest) (int64, error)
	GetJobResult(ctx context.Context, bizID int64, jobInstanceID int64) (*JobResult, error)
}

// HTTPClient 作业平台 HTTP 实现
type HTTPClient struct {
	api *apiclient.Client
}

// NewHTTPClient 创建作业平台客户端
func NewHTTPClient(endpoint config.ServiceEndpoint) *HTTPClient {
	return &HTTPClient{api: apiclient.New("job_executor", endpoint)}
}

func (c *HTTPClient) FastExecuteScript(ctx context.Context, req *ScriptRequest) (int64, error) {
	var result struct {
		JobInstanceID int64 `json:"job_instance_id"`
	}
	if err := c.api.Post(ctx, "/fast_execute_script", req, &result); err != nil {
		return 0, err
	}
	return result.JobInstanceID, nil
}

func (c *HTTPClient) GetJobResult(ctx context.Context, bizID int64, jobInstanceID int64) (*JobResult, error) {
	var result JobResult
	err := c.api.Post(ctx, "/get_job_instance_status", map[string]interface{}{
		"bk_biz_id":       bizID,
		"job_instance_id": jobInstanceID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
