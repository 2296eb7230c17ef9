// Package apiclient 外部平台 HTTP 调用的公共封装
// 约定响应格式为 {"code": 0, "message": "", "data": ...}
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// APIError 平台返回非 0 code
type APIError struct {
	Path    string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call %s failed [%d]: %s", e.Path, e.Code, e.Message)
}

// Client 平台 HTTP 客户端
type Client struct {
	name    string
	baseURL string
	appCode string
	secret  string
	http    *http.Client
}

// New 根据服务配置创建客户端
func New(name string, endpoint config.ServiceEndpoint) *Client {
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(endpoint.BaseURL, "/"),
		appCode: endpoint.AppCode,
		secret:  endpoint.Secret,
		http:    &http.Client{Timeout: endpoint.TimeoutDuration()},
	}
}

// Name 服务名
func (c *Client) Name() string {
	return c.name
}

// Post 发送 JSON 请求并解析 data 字段到 out（out 可为 nil）
func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Get 发送 GET 请求
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.appCode != "" {
		req.Header.Set("X-Bk-App-Code", c.appCode)
		req.Header.Set("X-Bk-App-Secret", c.secret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", c.name, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	logger.Debug("[APIClient] request finished",
		zap.String("service", c.name),
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("cost", time.Since(start)))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("call %s %s: http status %d", c.name, path, resp.StatusCode)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode %s %s response: %w", c.name, path, err)
	}
	if envelope.Code != 0 {
		return &APIError{Path: path, Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", c.name, path, err)
	}
	return nil
}
