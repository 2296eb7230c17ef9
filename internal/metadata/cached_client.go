package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedClient 带过期的 LRU 缓存，只缓存集群详情和 DBA 列表
// 机器、规格等资源相关查询直接透传
type CachedClient struct {
	Client
	clusters *expirable.LRU[uint, *Cluster]
	dbas     *expirable.LRU[string, []string]
}

// NewCachedClient 包装元数据客户端
func NewCachedClient(inner Client, size int, ttl time.Duration) *CachedClient {
	if size <= 0 {
		size = 1024
	}
	return &CachedClient{
		Client:   inner,
		clusters: expirable.NewLRU[uint, *Cluster](size, nil, ttl),
		dbas:     expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

func (c *CachedClient) GetCluster(ctx context.Context, clusterID uint) (*Cluster, error) {
	if cluster, ok := c.clusters.Get(clusterID); ok {
		return cluster, nil
	}
	cluster, err := c.Client.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	c.clusters.Add(clusterID, cluster)
	return cluster, nil
}

func (c *CachedClient) GetClusters(ctx context.Context, clusterIDs []uint) ([]Cluster, error) {
	clusters := make([]Cluster, 0, len(clusterIDs))
	var missing []uint
	for _, id := range clusterIDs {
		if cluster, ok := c.clusters.Get(id); ok {
			clusters = append(clusters, *cluster)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return clusters, nil
	}

	fetched, err := c.Client.GetClusters(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i := range fetched {
		cluster := fetched[i]
		c.clusters.Add(cluster.ID, &cluster)
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

func (c *CachedClient) ListDBAs(ctx context.Context, bizID int64, group string) ([]string, error) {
	key := fmt.Sprintf("%d/%s", bizID, group)
	if dbas, ok := c.dbas.Get(key); ok {
		return dbas, nil
	}
	dbas, err := c.Client.ListDBAs(ctx, bizID, group)
	if err != nil {
		return nil, err
	}
	c.dbas.Add(key, dbas)
	return dbas, nil
}

// Invalidate 集群变更后清除缓存
func (c *CachedClient) Invalidate(clusterIDs ...uint) {
	for _, id := range clusterIDs {
		c.clusters.Remove(id)
	}
}
