// Package builders 各单据类型的参数校验与流程编排
package builders

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
)

// 单据类型
const (
	TicketMySQLSingleApply       = "MYSQL_SINGLE_APPLY"
	TicketMySQLMasterSlaveSwitch = "MYSQL_MASTER_SLAVE_SWITCH"
	TicketMySQLRollbackCluster   = "MYSQL_ROLLBACK_CLUSTER"
	TicketMySQLDataRepair        = "MYSQL_DATA_REPAIR"
	TicketSpiderAddNodes         = "TENDBCLUSTER_SPIDER_ADD_NODES"
	TicketSpiderReduceNodes      = "TENDBCLUSTER_SPIDER_REDUCE_NODES"
	TicketRedisClusterShutdown   = "REDIS_CLUSTER_SHUTDOWN"
	TicketRecycleHost            = "RECYCLE_HOST"
)

// 数据库类型
const (
	GroupMySQL        = "mysql"
	GroupTenDBCluster = "tendbcluster"
	GroupRedis        = "redis"
	GroupCommon       = "common"
)

// Deps 单据类型依赖的外部服务
type Deps struct {
	Meta metadata.Client
	Now  func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register 注册全部单据类型
func Register(r *registry.Registry, deps Deps) {
	r.Register(
		NewMySQLSingleApply(deps),
		NewMySQLMasterSlaveSwitch(deps),
		NewMySQLRollbackCluster(deps),
		NewMySQLDataRepair(deps),
		NewSpiderAddNodes(deps),
		NewSpiderReduceNodes(deps),
		NewRedisClusterShutdown(deps),
		NewRecycleHost(deps),
	)
}

// base 单据类型公共部分
type base struct {
	ticketType string
	attrs      registry.Attrs
	deps       Deps
}

func (b *base) TicketType() string    { return b.ticketType }
func (b *base) Attrs() registry.Attrs { return b.attrs }

// Format 默认不整理
func (b *base) Format(context.Context, *model.Ticket, interface{}, *model.Flow) error {
	return nil
}

// HostInfo 主机
type HostInfo struct {
	IP        string `json:"ip" validate:"required,ip"`
	BkCloudID int    `json:"bk_cloud_id"`
	BkHostID  int64  `json:"bk_host_id"`
}

// InstanceInfo 实例
type InstanceInfo struct {
	IP   string `json:"ip" validate:"required,ip"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

func (i InstanceInfo) String() string {
	return fmt.Sprintf("%s:%d", i.IP, i.Port)
}

// loadCluster 读取集群，不存在时返回字段错误
func loadCluster(ctx context.Context, meta metadata.Client, field string, clusterID uint, clusterType string) (*metadata.Cluster, error) {
	cluster, err := meta.GetCluster(ctx, clusterID)
	if err != nil {
		if errno.Is(err, metadata.ErrClusterNotFound) {
			return nil, errno.NewValidationError(field, "cluster %d does not exist", clusterID)
		}
		return nil, err
	}
	if clusterType != "" && cluster.ClusterType != clusterType {
		return nil, errno.NewValidationError(field, "cluster %d is %s, want %s", clusterID, cluster.ClusterType, clusterType)
	}
	return cluster, nil
}

// hasInstance 集群中是否存在指定角色的实例
func hasInstance(cluster *metadata.Cluster, ip, role string) bool {
	for _, inst := range cluster.InstancesByRole(role) {
		if inst.IP == ip {
			return true
		}
	}
	return false
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// remoteJob 构造作业原子
func remoteJob(name string, ips []string, bkCloudID int, script string, payload map[string]interface{}) map[string]interface{} {
	inputs := map[string]interface{}{
		"ips":         ips,
		"bk_cloud_id": bkCloudID,
		"bk_biz_id":   "${trans_data.bk_biz_id}",
		"task_name":   name,
		"script":      script,
	}
	if payload != nil {
		inputs["payload"] = payload
	}
	return inputs
}
