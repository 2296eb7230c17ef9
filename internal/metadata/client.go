// Package metadata 数据库元数据服务客户端（集群、实例、机器、规格）
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrClusterNotFound 集群不存在
var ErrClusterNotFound = errors.New("cluster not found")

// 实例角色
const (
	RoleBackendMaster = "backend_master"
	RoleBackendSlave  = "backend_slave"
	RoleSpiderMaster  = "spider_master"
	RoleSpiderSlave   = "spider_slave"
	RoleRemoteMaster  = "remote_master"
	RoleRedisMaster   = "redis_master"
	RoleProxy         = "proxy"
)

// Cluster 集群
type Cluster struct {
	ID           uint       `json:"id"`
	Name         string     `json:"name"`
	ImmuteDomain string     `json:"immute_domain"`
	ClusterType  string     `json:"cluster_type"`
	BkBizID      int64      `json:"bk_biz_id"`
	BkCloudID    int        `json:"bk_cloud_id"`
	Status       string     `json:"status"`
	MajorVersion string     `json:"major_version"`
	Instances    []Instance `json:"instances"`
}

// InstancesByRole 按角色过滤实例
func (c *Cluster) InstancesByRole(role string) []Instance {
	var out []Instance
	for _, inst := range c.Instances {
		if inst.Role == role {
			out = append(out, inst)
		}
	}
	return out
}

// Instance 实例
type Instance struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Role      string `json:"role"`
	BkHostID  int64  `json:"bk_host_id"`
	BkCloudID int    `json:"bk_cloud_id"`
	Status    string `json:"status"`
}

// Machine 机器
type Machine struct {
	IP          string `json:"ip"`
	BkHostID    int64  `json:"bk_host_id"`
	BkCloudID   int    `json:"bk_cloud_id"`
	BkBizID     int64  `json:"bk_biz_id"`
	SpecID      int    `json:"spec_id"`
	City        string `json:"city"`
	MachineType string `json:"machine_type"`
}

// Spec 资源规格
type Spec struct {
	ID      int    `json:"spec_id"`
	Name    string `json:"spec_name"`
	Cluster string `json:"spec_cluster_type"`
	CPU     int    `json:"cpu"`
	Mem     int    `json:"mem"`
	Disk    int    `json:"disk"`
}

// DBModule 业务下的数据库模块
type DBModule struct {
	ID          int    `json:"db_module_id"`
	Name        string `json:"db_module_name"`
	BkBizID     int64  `json:"bk_biz_id"`
	ClusterType string `json:"cluster_type"`
	DBVersion   string `json:"db_version"`
	Charset     string `json:"charset"`
}

// ChecksumFailure 数据校验不一致记录
type ChecksumFailure struct {
	ClusterID  uint      `json:"cluster_id"`
	BkBizID    int64     `json:"bk_biz_id"`
	MasterIP   string    `json:"master_ip"`
	MasterPort int       `json:"master_port"`
	SlaveIP    string    `json:"slave_ip"`
	SlavePort  int       `json:"slave_port"`
	DB         string    `json:"db"`
	Table      string    `json:"table"`
	FoundAt    time.Time `json:"found_at"`
}

// Client 元数据服务接口
type Client interface {
	GetCluster(ctx context.Context, clusterID uint) (*Cluster, error)
	GetClusters(ctx context.Context, clusterIDs []uint) ([]Cluster, error)
	GetMachines(ctx context.Context, bkCloudID int, ips []string) ([]Machine, error)
	GetSpec(ctx context.Context, specID int) (*Spec, error)
	GetDBModule(ctx context.Context, bizID int64, moduleID int) (*DBModule, error)
	// ListDBAs 获取业务在某类数据库上的 DBA 值班人员
	ListDBAs(ctx context.Context, bizID int64, group string) ([]string, error)
	ListChecksumFailures(ctx context.Context, since time.Time) ([]ChecksumFailure, error)
}
