// Package resourcepool 资源池客户端，资源池是主机分配的唯一权威
package resourcepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
)

// ErrShortage 资源不足
var ErrShortage = errors.New("resource pool shortage")

const codeShortage = 50001

// Host 资源池主机
type Host struct {
	BkHostID  int64  `json:"bk_host_id"`
	IP        string `json:"ip"`
	BkCloudID int    `json:"bk_cloud_id"`
	City      string `json:"city,omitempty"`
	SubZone   string `json:"sub_zone,omitempty"`
	SpecID    int    `json:"spec_id,omitempty"`
}

// Location 地域要求
type Location struct {
	City       string   `json:"city,omitempty"`
	SubZoneIDs []string `json:"sub_zone_ids,omitempty"`
}

// SpecRequest 一组主机的规格要求
type SpecRequest struct {
	Group    string   `json:"group"` // 输出分组名，如 backend、spider
	SpecID   int      `json:"spec_id"`
	Count    int      `json:"count"`
	Affinity string   `json:"affinity,omitempty"` // NONE / CROSS_SUBZONE / SAME_SUBZONE
	Location Location `json:"location_spec"`
	Labels   []string `json:"labels,omitempty"`
}

// ReserveRequest 申请资源
type ReserveRequest struct {
	BkBizID        int64         `json:"bk_biz_id"`
	BkCloudID      int           `json:"bk_cloud_id"`
	IdempotencyKey string        `json:"request_id"`
	Specs          []SpecRequest `json:"details"`
}

// ReserveResult 申请结果，按分组返回主机
type ReserveResult struct {
	Groups map[string][]Host `json:"groups"`
}

// Total 结果主机总数
func (r *ReserveResult) Total() int {
	n := 0
	for _, hosts := range r.Groups {
		n += len(hosts)
	}
	return n
}

// AllHosts 展开全部主机
func (r *ReserveResult) AllHosts() []Host {
	var hosts []Host
	for _, group := range r.Groups {
		hosts = append(hosts, group...)
	}
	return hosts
}

// Client 资源池接口
type Client interface {
	// Reserve 按规格申请主机，资源不足返回 ErrShortage
	Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error)
	// Import 导入主机到资源池
	Import(ctx context.Context, bizID int64, hosts []Host) error
	// Recycle 归还主机到资源池
	Recycle(ctx context.Context, bizID int64, hosts []Host) error
	// Preview 查询规格可用数量
	Preview(ctx context.Context, bizID int64, spec SpecRequest) (int, error)
}

// HTTPClient 资源池 HTTP 实现
type HTTPClient struct {
	api *apiclient.Client
}

// NewHTTPClient 创建资源池客户端
func NewHTTPClient(endpoint config.ServiceEndpoint) *HTTPClient {
	return &HTTPClient{api: apiclient.New("resource_pool", endpoint)}
}

func (c *HTTPClient) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResult, error) {
	var result ReserveResult
	if err := c.api.Post(ctx, "/resource/apply", req, &result); err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeShortage {
			return nil, fmt.Errorf("%w: %s", ErrShortage, apiErr.Message)
		}
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Import(ctx context.Context, bizID int64, hosts []Host) error {
	return c.api.Post(ctx, "/resource/import", map[string]interface{}{"bk_biz_id": bizID, "hosts": hosts}, nil)
}

func (c *HTTPClient) Recycle(ctx context.Context, bizID int64, hosts []Host) error {
	return c.api.Post(ctx, "/resource/recycle", map[string]interface{}{"bk_biz_id": bizID, "hosts": hosts}, nil)
}

func (c *HTTPClient) Preview(ctx context.Context, bizID int64, spec SpecRequest) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	err := c.api.Post(ctx, "/resource/preview", map[string]interface{}{"bk_biz_id": bizID, "spec": spec}, &result)
	return result.Count, err
}
