package builders

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// 数据修复触发方式
const (
	RepairTriggerRoutine = "routine"
	RepairTriggerManual  = "manual"
)

// RepairTable 不一致的表
type RepairTable struct {
	DB    string `json:"db" validate:"required"`
	Table string `json:"table" validate:"required"`
}

// MySQLDataRepairDetails 数据修复参数
type MySQLDataRepairDetails struct {
	ClusterID       uint           `json:"cluster_id" validate:"required"`
	BkCloudID       int            `json:"bk_cloud_id"`
	Master          InstanceInfo   `json:"master"`
	Slaves          []InstanceInfo `json:"slaves" validate:"required,min=1,dive"`
	Tables          []RepairTable  `json:"tables" validate:"required,min=1,dive"`
	TriggerType     string         `json:"trigger_type" validate:"required,oneof=routine manual"`
	IsSyncNonInnodb bool           `json:"is_sync_non_innodb"`
}

// MySQLDataRepair 主从数据修复，例行校验发现不一致时自动创建
type MySQLDataRepair struct {
	base
}

func NewMySQLDataRepair(deps Deps) *MySQLDataRepair {
	return &MySQLDataRepair{base{
		ticketType: TicketMySQLDataRepair,
		attrs:      registry.Attrs{Group: GroupMySQL},
		deps:       deps,
	}}
}

func (b *MySQLDataRepair) NewDetails() interface{} { return &MySQLDataRepairDetails{} }

func (b *MySQLDataRepair) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*MySQLDataRepairDetails)
	_, err := loadCluster(ctx, b.deps.Meta, "details.cluster_id", d.ClusterID, "")
	return err
}

func (b *MySQLDataRepair) Clusters(details interface{}) []uint {
	return []uint{details.(*MySQLDataRepairDetails).ClusterID}
}

// FlowPlan 例行修复先由 DBA 确认
func (b *MySQLDataRepair) FlowPlan(_ context.Context, _ *model.Ticket, details interface{}) ([]registry.FlowSpec, error) {
	d := details.(*MySQLDataRepairDetails)
	var specs []registry.FlowSpec
	if d.TriggerType == RepairTriggerRoutine {
		specs = append(specs, registry.FlowSpec{FlowType: model.FlowTypeInnerApprove, Alias: "确认修复"})
	}
	return append(specs, registry.FlowSpec{FlowType: model.FlowTypeInner, Alias: "数据修复"}), nil
}

func (b *MySQLDataRepair) BuildPipeline(_ context.Context, _ *model.Ticket, details interface{}, _ *model.Flow, wb *workflow.Builder) error {
	d := details.(*MySQLDataRepairDetails)

	acts := make([]workflow.Act, 0, len(d.Slaves))
	for _, slave := range d.Slaves {
		acts = append(acts, workflow.Act{
			Name:      "修复 " + slave.String(),
			Component: workflow.ComponentRemoteJob,
			Inputs: remoteJob(fmt.Sprintf("repair_%s", slave.IP), []string{slave.IP}, d.BkCloudID, "dbactuator mysql pt-table-sync", map[string]interface{}{
				"master":             d.Master.String(),
				"slave":              slave.String(),
				"tables":             d.Tables,
				"is_sync_non_innodb": d.IsSyncNonInnodb,
			}),
		})
	}
	wb.AddParallelActs(acts)
	return nil
}
