// Package dnsclient 域名与负载均衡管理客户端
package dnsclient

import (
	"context"

	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
)

// Client DNS/CLB 接口，instances 为 ip:port 列表
type Client interface {
	AddRecord(ctx context.Context, domain string, instances []string, bkCloudID int) error
	RemoveRecord(ctx context.Context, domain string, instances []string, bkCloudID int) error
	Bind(ctx context.Context, domain string, instances []string, bkCloudID int) error
	Unbind(ctx context.Context, domain string, instances []string, bkCloudID int) error
}

// HTTPClient DNS/CLB HTTP 实现
type HTTPClient struct {
	api *apiclient.Client
}

// NewHTTPClient 创建客户端
func NewHTTPClient(endpoint config.ServiceEndpoint) *HTTPClient {
	return &HTTPClient{api: apiclient.New("dns", endpoint)}
}

type recordRequest struct {
	Domain    string   `json:"domain_name"`
	Instances []string `json:"instances"`
	BkCloudID int      `json:"bk_cloud_id"`
}

func (c *HTTPClient) AddRecord(ctx context.Context, domain string, instances []string, bkCloudID int) error {
	return c.api.Post(ctx, "/dns/domain/add", recordRequest{domain, instances, bkCloudID}, nil)
}

func (c *HTTPClient) RemoveRecord(ctx context.Context, domain string, instances []string, bkCloudID int) error {
	return c.api.Post(ctx, "/dns/domain/delete", recordRequest{domain, instances, bkCloudID}, nil)
}

func (c *HTTPClient) Bind(ctx context.Context, domain string, instances []string, bkCloudID int) error {
	return c.api.Post(ctx, "/clb/register_target", recordRequest{domain, instances, bkCloudID}, nil)
}

func (c *HTTPClient) Unbind(ctx context.Context, domain string, instances []string, bkCloudID int) error {
	return c.api.Post(ctx, "/clb/deregister_target", recordRequest{domain, instances, bkCloudID}, nil)
}
