package builders

import (
	"context"
	"fmt"
	"sort"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// ClusterTypeRedis Redis 集群类型
const ClusterTypeRedis = "redis"

// ClusterStatusOffline 已禁用的集群状态，下架前必须先禁用
const ClusterStatusOffline = "offline"

// RedisClusterShutdownDetails Redis 集群下架参数
type RedisClusterShutdownDetails struct {
	ClusterIDs []uint `json:"cluster_ids" validate:"required,min=1"`
	Force      bool   `json:"force"`
}

// RedisClusterShutdown Redis 集群下架，下架后主机回收到资源池
type RedisClusterShutdown struct {
	base
}

func NewRedisClusterShutdown(deps Deps) *RedisClusterShutdown {
	return &RedisClusterShutdown{base{
		ticketType: TicketRedisClusterShutdown,
		attrs:      registry.Attrs{Group: GroupRedis, NeedITSM: true, IsRecycle: true},
		deps:       deps,
	}}
}

func (b *RedisClusterShutdown) NewDetails() interface{} { return &RedisClusterShutdownDetails{} }

func (b *RedisClusterShutdown) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*RedisClusterShutdownDetails)
	ve := &errno.ValidationError{}
	for i, id := range d.ClusterIDs {
		field := fmt.Sprintf("details.cluster_ids[%d]", i)
		cluster, err := loadCluster(ctx, b.deps.Meta, field, id, ClusterTypeRedis)
		if err != nil {
			if errno.IsValidation(err) {
				ve.Fields = append(ve.Fields, err.(*errno.ValidationError).Fields...)
				continue
			}
			return err
		}
		if cluster.Status != ClusterStatusOffline {
			ve.Add(field, "cluster %d must be disabled before shutdown, status is %s", id, cluster.Status)
		}
	}
	return ve.OrNil()
}

func (b *RedisClusterShutdown) Clusters(details interface{}) []uint {
	return uniqueIDs(details.(*RedisClusterShutdownDetails).ClusterIDs)
}

func (b *RedisClusterShutdown) FlowPlan(context.Context, *model.Ticket, interface{}) ([]registry.FlowSpec, error) {
	return []registry.FlowSpec{{FlowType: model.FlowTypeInner, Alias: "下架集群"}}, nil
}

// RecycleHosts 集群全部实例所在主机，按 IP 去重
func (b *RedisClusterShutdown) RecycleHosts(ctx context.Context, _ *model.Ticket, details interface{}) ([]resourcepool.Host, error) {
	d := details.(*RedisClusterShutdownDetails)
	clusters, err := b.deps.Meta.GetClusters(ctx, uniqueIDs(d.ClusterIDs))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var hosts []resourcepool.Host
	for _, cluster := range clusters {
		for _, inst := range cluster.Instances {
			if _, ok := seen[inst.IP]; ok {
				continue
			}
			seen[inst.IP] = struct{}{}
			hosts = append(hosts, resourcepool.Host{BkHostID: inst.BkHostID, IP: inst.IP, BkCloudID: inst.BkCloudID})
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].IP < hosts[j].IP })
	return hosts, nil
}

func (b *RedisClusterShutdown) BuildPipeline(ctx context.Context, _ *model.Ticket, details interface{}, _ *model.Flow, wb *workflow.Builder) error {
	d := details.(*RedisClusterShutdownDetails)
	clusters, err := b.deps.Meta.GetClusters(ctx, uniqueIDs(d.ClusterIDs))
	if err != nil {
		return err
	}

	subs := make([]*workflow.SubBuilder, 0, len(clusters))
	for _, cluster := range clusters {
		var proxies, storages []string
		for _, inst := range cluster.Instances {
			if inst.Role == metadata.RoleProxy {
				proxies = append(proxies, inst.IP)
			} else {
				storages = append(storages, inst.IP)
			}
		}

		sub := workflow.NewSubBuilder(cluster.ImmuteDomain)
		sub.AddAct(workflow.Act{
			Name:      "删除域名",
			Component: workflow.ComponentDNSRemoveRecord,
			Inputs: map[string]interface{}{
				"domain":      cluster.ImmuteDomain,
				"bk_cloud_id": cluster.BkCloudID,
			},
		})
		if len(proxies) > 0 {
			sub.AddAct(workflow.Act{
				Name:      "下架 proxy",
				Component: workflow.ComponentRemoteJob,
				Inputs:    remoteJob("shutdown_proxy", proxies, cluster.BkCloudID, "dbactuator redis proxy-shutdown", nil),
			})
		}
		if len(storages) > 0 {
			sub.AddAct(workflow.Act{
				Name:      "下架存储实例",
				Component: workflow.ComponentRemoteJob,
				Inputs: remoteJob("shutdown_redis", storages, cluster.BkCloudID, "dbactuator redis shutdown", map[string]interface{}{
					"force": d.Force,
				}),
			})
		}
		subs = append(subs, sub)
	}
	wb.AddParallelSubPipeline(subs)
	return nil
}
