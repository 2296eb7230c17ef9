package builders

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// MySQLSingleApplyDetails 单节点部署参数
type MySQLSingleApplyDetails struct {
	BkCloudID      int          `json:"bk_cloud_id"`
	DBModuleID     int          `json:"db_module_id" validate:"required"`
	ClusterCount   int          `json:"cluster_count" validate:"required,min=1,max=100"`
	Domains        []DomainInfo `json:"domains" validate:"required,dive"`
	SpecID         int          `json:"spec_id" validate:"required"`
	City           string       `json:"city"`
	StartMySQLPort int          `json:"start_mysql_port" validate:"required,min=1025,max=65535"`
}

// DomainInfo 域名前缀
type DomainInfo struct {
	Key string `json:"key" validate:"required,hostname_rfc1123"`
}

// MySQLSingleApply 单节点部署
type MySQLSingleApply struct {
	base
}

func NewMySQLSingleApply(deps Deps) *MySQLSingleApply {
	return &MySQLSingleApply{base{
		ticketType: TicketMySQLSingleApply,
		attrs:      registry.Attrs{Group: GroupMySQL, IsApply: true},
		deps:       deps,
	}}
}

func (b *MySQLSingleApply) NewDetails() interface{} { return &MySQLSingleApplyDetails{} }

func (b *MySQLSingleApply) Validate(ctx context.Context, ticket *model.Ticket, details interface{}) error {
	d := details.(*MySQLSingleApplyDetails)
	ve := &errno.ValidationError{}

	if len(d.Domains) != d.ClusterCount {
		ve.Add("details.domains", "expect %d domains, got %d", d.ClusterCount, len(d.Domains))
	}
	seen := make(map[string]int, len(d.Domains))
	for i, domain := range d.Domains {
		if j, ok := seen[domain.Key]; ok {
			ve.Add(fmt.Sprintf("details.domains[%d].key", i), "duplicates domains[%d]", j)
			continue
		}
		seen[domain.Key] = i
	}
	if b.deps.Meta != nil {
		if _, err := b.deps.Meta.GetDBModule(ctx, ticket.BkBizID, d.DBModuleID); err != nil {
			ve.Add("details.db_module_id", "db module %d is unavailable: %v", d.DBModuleID, err)
		}
	}
	return ve.OrNil()
}

func (b *MySQLSingleApply) Clusters(interface{}) []uint { return nil }

func (b *MySQLSingleApply) Describe(_ context.Context, ticket *model.Ticket, details interface{}) (map[string]interface{}, error) {
	d := details.(*MySQLSingleApplyDetails)
	domains := make([]string, 0, len(d.Domains))
	for _, domain := range d.Domains {
		domains = append(domains, b.domain(ticket, domain.Key))
	}
	return map[string]interface{}{
		"summary": fmt.Sprintf("部署 %d 个 MySQL 单节点集群", d.ClusterCount),
		"domains": domains,
	}, nil
}

func (b *MySQLSingleApply) FlowPlan(context.Context, *model.Ticket, interface{}) ([]registry.FlowSpec, error) {
	return []registry.FlowSpec{{FlowType: model.FlowTypeInner, Alias: "部署单节点集群"}}, nil
}

func (b *MySQLSingleApply) ResourceRequest(_ context.Context, ticket *model.Ticket, details interface{}) (*resourcepool.ReserveRequest, error) {
	d := details.(*MySQLSingleApplyDetails)
	return &resourcepool.ReserveRequest{
		BkBizID:   ticket.BkBizID,
		BkCloudID: d.BkCloudID,
		Specs: []resourcepool.SpecRequest{{
			Group:    "single",
			SpecID:   d.SpecID,
			Count:    d.ClusterCount,
			Affinity: "NONE",
			Location: resourcepool.Location{City: d.City},
		}},
	}, nil
}

func (b *MySQLSingleApply) PostApply(_ *resourcepool.ReserveRequest, output *resourcepool.ReserveResult) map[string]interface{} {
	hosts := output.Groups["single"]
	ips := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ips = append(ips, h.IP)
	}
	return map[string]interface{}{"single_ips": ips, "single_hosts": hosts}
}

func (b *MySQLSingleApply) BuildPipeline(_ context.Context, ticket *model.Ticket, details interface{}, flow *model.Flow, wb *workflow.Builder) error {
	d := details.(*MySQLSingleApplyDetails)

	var hosts []resourcepool.Host
	if raw, ok := flow.Detail("single_hosts"); ok {
		if err := model.DecodeJSON(raw, &hosts); err != nil {
			return err
		}
	}
	if len(hosts) != len(d.Domains) {
		return fmt.Errorf("expect %d hosts from resource apply, got %d", len(d.Domains), len(hosts))
	}

	subs := make([]*workflow.SubBuilder, 0, len(hosts))
	for i, host := range hosts {
		domain := b.domain(ticket, d.Domains[i].Key)
		instance := fmt.Sprintf("%s:%d", host.IP, d.StartMySQLPort)
		sub := workflow.NewSubBuilder("部署 " + domain)
		sub.AddAct(workflow.Act{
			Name:      "下发介质",
			Component: workflow.ComponentRemoteJob,
			Inputs:    remoteJob("trans_package", []string{host.IP}, d.BkCloudID, "dbactuator download", nil),
			Retry:     workflow.RetryPolicy{MaxRetries: 2, Interval: 5},
		})
		sub.AddAct(workflow.Act{
			Name:      "安装MySQL",
			Component: workflow.ComponentRemoteJob,
			Inputs: remoteJob("install_mysql", []string{host.IP}, d.BkCloudID, "dbactuator mysql deploy", map[string]interface{}{
				"port":         d.StartMySQLPort,
				"db_module_id": d.DBModuleID,
			}),
		})
		sub.AddAct(workflow.Act{
			Name:      "添加域名",
			Component: workflow.ComponentDNSAddRecord,
			Inputs: map[string]interface{}{
				"domain":      domain,
				"instances":   []string{instance},
				"bk_cloud_id": d.BkCloudID,
			},
		})
		subs = append(subs, sub)
	}
	wb.AddParallelSubPipeline(subs)
	return nil
}

func (b *MySQLSingleApply) domain(ticket *model.Ticket, key string) string {
	return fmt.Sprintf("%s.db.%d", key, ticket.BkBizID)
}
