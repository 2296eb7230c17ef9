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

// ClusterTypeTenDBCluster TenDB Cluster 集群类型
const ClusterTypeTenDBCluster = "tendbcluster"

// minSpiderMasters 缩容后至少保留的 spider master 数
const minSpiderMasters = 2

// SpiderAddInfo 扩容一个集群的接入层
type SpiderAddInfo struct {
	ClusterID     uint   `json:"cluster_id" validate:"required"`
	AddSpiderRole string `json:"add_spider_role" validate:"required,oneof=spider_master spider_slave"`
	SpiderIPNum   int    `json:"spider_ip_num" validate:"required,min=1,max=32"`
	SpecID        int    `json:"spec_id" validate:"required"`
}

// SpiderAddNodesDetails 接入层扩容参数
type SpiderAddNodesDetails struct {
	BkCloudID int             `json:"bk_cloud_id"`
	Infos     []SpiderAddInfo `json:"infos" validate:"required,min=1,dive"`
}

// SpiderAddNodes 接入层扩容
type SpiderAddNodes struct {
	base
}

func NewSpiderAddNodes(deps Deps) *SpiderAddNodes {
	return &SpiderAddNodes{base{
		ticketType: TicketSpiderAddNodes,
		attrs:      registry.Attrs{Group: GroupTenDBCluster, NeedITSM: true, IsApply: true, NeedDelivery: true},
		deps:       deps,
	}}
}

func (b *SpiderAddNodes) NewDetails() interface{} { return &SpiderAddNodesDetails{} }

func (b *SpiderAddNodes) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*SpiderAddNodesDetails)
	ve := &errno.ValidationError{}
	seen := make(map[uint]int)
	for i, info := range d.Infos {
		field := fmt.Sprintf("details.infos[%d].cluster_id", i)
		if j, ok := seen[info.ClusterID]; ok {
			ve.Add(field, "duplicates infos[%d]", j)
			continue
		}
		seen[info.ClusterID] = i
		if _, err := loadCluster(ctx, b.deps.Meta, field, info.ClusterID, ClusterTypeTenDBCluster); err != nil {
			if errno.IsValidation(err) {
				ve.Fields = append(ve.Fields, err.(*errno.ValidationError).Fields...)
				continue
			}
			return err
		}
	}
	return ve.OrNil()
}

func (b *SpiderAddNodes) Clusters(details interface{}) []uint {
	var ids []uint
	for _, info := range details.(*SpiderAddNodesDetails).Infos {
		ids = append(ids, info.ClusterID)
	}
	return uniqueIDs(ids)
}

func (b *SpiderAddNodes) FlowPlan(context.Context, *model.Ticket, interface{}) ([]registry.FlowSpec, error) {
	return []registry.FlowSpec{{FlowType: model.FlowTypeInner, Alias: "扩容接入层"}}, nil
}

func spiderGroup(clusterID uint) string {
	return fmt.Sprintf("spider_%d", clusterID)
}

func (b *SpiderAddNodes) ResourceRequest(_ context.Context, ticket *model.Ticket, details interface{}) (*resourcepool.ReserveRequest, error) {
	d := details.(*SpiderAddNodesDetails)
	req := &resourcepool.ReserveRequest{BkBizID: ticket.BkBizID, BkCloudID: d.BkCloudID}
	for _, info := range d.Infos {
		req.Specs = append(req.Specs, resourcepool.SpecRequest{
			Group:    spiderGroup(info.ClusterID),
			SpecID:   info.SpecID,
			Count:    info.SpiderIPNum,
			Affinity: "CROSS_SUBZONE",
		})
	}
	return req, nil
}

// PostApply 按集群写入新接入层主机
func (b *SpiderAddNodes) PostApply(input *resourcepool.ReserveRequest, output *resourcepool.ReserveResult) map[string]interface{} {
	spiders := make(map[string][]string, len(input.Specs))
	for _, spec := range input.Specs {
		ips := make([]string, 0, spec.Count)
		for _, h := range output.Groups[spec.Group] {
			ips = append(ips, h.IP)
		}
		sort.Strings(ips)
		spiders[spec.Group] = ips
	}
	return map[string]interface{}{"spider_ips": spiders}
}

func (b *SpiderAddNodes) BuildPipeline(_ context.Context, _ *model.Ticket, details interface{}, flow *model.Flow, wb *workflow.Builder) error {
	d := details.(*SpiderAddNodesDetails)
	var spiders map[string][]string
	if raw, ok := flow.Detail("spider_ips"); ok {
		if err := model.DecodeJSON(raw, &spiders); err != nil {
			return err
		}
	}

	subs := make([]*workflow.SubBuilder, 0, len(d.Infos))
	for _, info := range d.Infos {
		ips := spiders[spiderGroup(info.ClusterID)]
		if len(ips) != info.SpiderIPNum {
			return fmt.Errorf("cluster %d expects %d spider hosts, got %d", info.ClusterID, info.SpiderIPNum, len(ips))
		}
		sub := workflow.NewSubBuilder(fmt.Sprintf("cluster %d", info.ClusterID))
		sub.AddAct(workflow.Act{
			Name:      "部署 spider",
			Component: workflow.ComponentRemoteJob,
			Inputs:    remoteJob("deploy_spider", ips, d.BkCloudID, "dbactuator spider deploy", map[string]interface{}{"role": info.AddSpiderRole}),
		})
		sub.AddAct(workflow.Act{
			Name:      "加入路由",
			Component: workflow.ComponentRemoteJob,
			Inputs:    remoteJob("add_spider_routing", ips, d.BkCloudID, "dbactuator spider add-routing", map[string]interface{}{"cluster_id": info.ClusterID}),
		})
		sub.AddAct(workflow.Act{
			Name:      "绑定负载均衡",
			Component: workflow.ComponentCLBBind,
			Inputs: map[string]interface{}{
				"domain":      fmt.Sprintf("cluster-%d.spider", info.ClusterID),
				"instances":   ips,
				"bk_cloud_id": d.BkCloudID,
			},
		})
		subs = append(subs, sub)
	}
	wb.AddParallelSubPipeline(subs)
	return nil
}

// SpiderReduceInfo 缩容一个集群的接入层
type SpiderReduceInfo struct {
	ClusterID          uint       `json:"cluster_id" validate:"required"`
	ReduceSpiderRole   string     `json:"reduce_spider_role" validate:"required,oneof=spider_master spider_slave"`
	SpiderReducedHosts []HostInfo `json:"spider_reduced_hosts" validate:"required,min=1,dive"`
}

// SpiderReduceNodesDetails 接入层缩容参数
type SpiderReduceNodesDetails struct {
	IsSafe bool               `json:"is_safe"`
	Infos  []SpiderReduceInfo `json:"infos" validate:"required,min=1,dive"`
}

// SpiderReduceNodes 接入层缩容，下架主机回收到资源池
type SpiderReduceNodes struct {
	base
}

func NewSpiderReduceNodes(deps Deps) *SpiderReduceNodes {
	return &SpiderReduceNodes{base{
		ticketType: TicketSpiderReduceNodes,
		attrs:      registry.Attrs{Group: GroupTenDBCluster, NeedITSM: true, NeedManualConfirm: true, IsRecycle: true},
		deps:       deps,
	}}
}

func (b *SpiderReduceNodes) NewDetails() interface{} { return &SpiderReduceNodesDetails{} }

// Validate 缩容后 spider master 至少保留两台，且下架主机必须属于该集群
func (b *SpiderReduceNodes) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*SpiderReduceNodesDetails)
	ve := &errno.ValidationError{}

	for i, info := range d.Infos {
		prefix := fmt.Sprintf("details.infos[%d]", i)
		cluster, err := loadCluster(ctx, b.deps.Meta, prefix+".cluster_id", info.ClusterID, ClusterTypeTenDBCluster)
		if err != nil {
			if errno.IsValidation(err) {
				ve.Fields = append(ve.Fields, err.(*errno.ValidationError).Fields...)
				continue
			}
			return err
		}

		current := cluster.InstancesByRole(info.ReduceSpiderRole)
		for j, host := range info.SpiderReducedHosts {
			if !hasInstance(cluster, host.IP, info.ReduceSpiderRole) {
				ve.Add(fmt.Sprintf("%s.spider_reduced_hosts[%d].ip", prefix, j), "%s is not a %s of cluster %d", host.IP, info.ReduceSpiderRole, info.ClusterID)
			}
		}
		remain := len(current) - len(info.SpiderReducedHosts)
		if info.ReduceSpiderRole == metadata.RoleSpiderMaster && remain < minSpiderMasters {
			ve.Add(prefix+".spider_reduced_hosts", "cluster %d must keep at least %d spider masters, %d left", info.ClusterID, minSpiderMasters, remain)
		}
	}
	return ve.OrNil()
}

func (b *SpiderReduceNodes) Clusters(details interface{}) []uint {
	var ids []uint
	for _, info := range details.(*SpiderReduceNodesDetails).Infos {
		ids = append(ids, info.ClusterID)
	}
	return uniqueIDs(ids)
}

func (b *SpiderReduceNodes) FlowPlan(context.Context, *model.Ticket, interface{}) ([]registry.FlowSpec, error) {
	return []registry.FlowSpec{{FlowType: model.FlowTypeInner, Alias: "缩容接入层"}}, nil
}

func (b *SpiderReduceNodes) RecycleHosts(_ context.Context, _ *model.Ticket, details interface{}) ([]resourcepool.Host, error) {
	var hosts []resourcepool.Host
	for _, info := range details.(*SpiderReduceNodesDetails).Infos {
		for _, h := range info.SpiderReducedHosts {
			hosts = append(hosts, resourcepool.Host{BkHostID: h.BkHostID, IP: h.IP, BkCloudID: h.BkCloudID})
		}
	}
	return hosts, nil
}

func (b *SpiderReduceNodes) BuildPipeline(_ context.Context, _ *model.Ticket, details interface{}, _ *model.Flow, wb *workflow.Builder) error {
	d := details.(*SpiderReduceNodesDetails)

	subs := make([]*workflow.SubBuilder, 0, len(d.Infos))
	for _, info := range d.Infos {
		ips := make([]string, 0, len(info.SpiderReducedHosts))
		for _, h := range info.SpiderReducedHosts {
			ips = append(ips, h.IP)
		}
		cloudID := info.SpiderReducedHosts[0].BkCloudID
		sub := workflow.NewSubBuilder(fmt.Sprintf("cluster %d", info.ClusterID))
		sub.AddAct(workflow.Act{
			Name:      "解绑负载均衡",
			Component: workflow.ComponentCLBUnbind,
			Inputs: map[string]interface{}{
				"domain":      fmt.Sprintf("cluster-%d.spider", info.ClusterID),
				"instances":   ips,
				"bk_cloud_id": cloudID,
			},
		})
		sub.AddAct(workflow.Act{
			Name:      "剔除路由",
			Component: workflow.ComponentRemoteJob,
			Inputs: remoteJob("drop_spider_routing", ips, cloudID, "dbactuator spider drop-routing", map[string]interface{}{
				"cluster_id": info.ClusterID,
				"is_safe":    d.IsSafe,
			}),
		})
		sub.AddAct(workflow.Act{
			Name:      "下架 spider",
			Component: workflow.ComponentRemoteJob,
			Inputs:    remoteJob("uninstall_spider", ips, cloudID, "dbactuator spider uninstall", nil),
		})
		subs = append(subs, sub)
	}
	wb.AddParallelSubPipeline(subs)
	return nil
}
