package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
)

const codeClusterNotFound = 40404

// HTTPClient 元数据服务 HTTP 实现
type HTTPClient struct {
	api *apiclient.Client
}

// NewHTTPClient 创建元数据服务客户端
func NewHTTPClient(endpoint config.ServiceEndpoint) *HTTPClient {
	return &HTTPClient{api: apiclient.New("metadata", endpoint)}
}

func (c *HTTPClient) GetCluster(ctx context.Context, clusterID uint) (*Cluster, error) {
	var cluster Cluster
	err := c.api.Post(ctx, "/db_meta/cluster/detail", map[string]interface{}{"cluster_id": clusterID}, &cluster)
	if err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeClusterNotFound {
			return nil, fmt.Errorf("%w: %d", ErrClusterNotFound, clusterID)
		}
		return nil, err
	}
	return &cluster, nil
}

func (c *HTTPClient) GetClusters(ctx context.Context, clusterIDs []uint) ([]Cluster, error) {
	var clusters []Cluster
	err := c.api.Post(ctx, "/db_meta/cluster/list", map[string]interface{}{"cluster_ids": clusterIDs}, &clusters)
	return clusters, err
}

func (c *HTTPClient) GetMachines(ctx context.Context, bkCloudID int, ips []string) ([]Machine, error) {
	var machines []Machine
	err := c.api.Post(ctx, "/db_meta/machine/list", map[string]interface{}{"bk_cloud_id": bkCloudID, "ips": ips}, &machines)
	return machines, err
}

func (c *HTTPClient) GetSpec(ctx context.Context, specID int) (*Spec, error) {
	var spec Spec
	if err := c.api.Post(ctx, "/db_meta/spec/detail", map[string]interface{}{"spec_id": specID}, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (c *HTTPClient) GetDBModule(ctx context.Context, bizID int64, moduleID int) (*DBModule, error) {
	var module DBModule
	err := c.api.Post(ctx, "/db_meta/db_module/detail", map[string]interface{}{"bk_biz_id": bizID, "db_module_id": moduleID}, &module)
	if err != nil {
		return nil, err
	}
	return &module, nil
}

func (c *HTTPClient) ListDBAs(ctx context.Context, bizID int64, group string) ([]string, error) {
	var dbas []string
	err := c.api.Post(ctx, "/db_meta/dba/list", map[string]interface{}{"bk_biz_id": bizID, "db_type": group}, &dbas)
	return dbas, err
}

func (c *HTTPClient) ListChecksumFailures(ctx context.Context, since time.Time) ([]ChecksumFailure, error) {
	var failures []ChecksumFailure
	err := c.api.Post(ctx, "/db_report/checksum/failures", map[string]interface{}{"since": since.Format(time.RFC3339)}, &failures)
	return failures, err
}
