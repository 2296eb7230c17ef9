package builders

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// MySQLRollbackClusterDetails 定点回档参数
type MySQLRollbackClusterDetails struct {
	ClusterID       uint       `json:"cluster_id" validate:"required"`
	TargetClusterID uint       `json:"target_cluster_id" validate:"required"`
	RollbackTime    time.Time  `json:"rollback_time" validate:"required"`
	Databases       []string   `json:"databases" validate:"required,min=1"`
	Tables          []string   `json:"tables"`
	TriggerTime     *time.Time `json:"trigger_time,omitempty"`
}

// MySQLRollbackCluster 定点回档，可定时执行
type MySQLRollbackCluster struct {
	base
}

func NewMySQLRollbackCluster(deps Deps) *MySQLRollbackCluster {
	return &MySQLRollbackCluster{base{
		ticketType: TicketMySQLRollbackCluster,
		attrs:      registry.Attrs{Group: GroupMySQL, NeedITSM: true, NeedDelivery: true},
		deps:       deps,
	}}
}

func (b *MySQLRollbackCluster) NewDetails() interface{} { return &MySQLRollbackClusterDetails{} }

func (b *MySQLRollbackCluster) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*MySQLRollbackClusterDetails)
	ve := &errno.ValidationError{}
	now := b.deps.now()

	if d.ClusterID == d.TargetClusterID {
		ve.Add("details.target_cluster_id", "target cluster must differ from source cluster")
	}
	if !d.RollbackTime.Before(now) {
		ve.Add("details.rollback_time", "rollback time %s is in the future", d.RollbackTime.Format(time.RFC3339))
	}
	if d.TriggerTime != nil && d.TriggerTime.Before(now) {
		ve.Add("details.trigger_time", "trigger time %s has passed", d.TriggerTime.Format(time.RFC3339))
	}
	if err := ve.OrNil(); err != nil {
		return err
	}

	source, err := loadCluster(ctx, b.deps.Meta, "details.cluster_id", d.ClusterID, "")
	if err != nil {
		return err
	}
	target, err := loadCluster(ctx, b.deps.Meta, "details.target_cluster_id", d.TargetClusterID, source.ClusterType)
	if err != nil {
		return err
	}
	if source.MajorVersion != target.MajorVersion {
		return errno.NewValidationError("details.target_cluster_id", "version %s does not match source %s", target.MajorVersion, source.MajorVersion)
	}
	return nil
}

func (b *MySQLRollbackCluster) Clusters(details interface{}) []uint {
	d := details.(*MySQLRollbackClusterDetails)
	return uniqueIDs([]uint{d.ClusterID, d.TargetClusterID})
}

func (b *MySQLRollbackCluster) FlowPlan(_ context.Context, _ *model.Ticket, details interface{}) ([]registry.FlowSpec, error) {
	d := details.(*MySQLRollbackClusterDetails)
	var specs []registry.FlowSpec
	if d.TriggerTime != nil {
		specs = append(specs, registry.FlowSpec{
			FlowType: model.FlowTypeTimer,
			Alias:    "定时",
			Details:  map[string]interface{}{"trigger_time": d.TriggerTime.UTC().Format(time.RFC3339)},
		})
	}
	specs = append(specs, registry.FlowSpec{FlowType: model.FlowTypeInner, Alias: "定点回档"})
	return specs, nil
}

func (b *MySQLRollbackCluster) Format(ctx context.Context, _ *model.Ticket, details interface{}, flow *model.Flow) error {
	d := details.(*MySQLRollbackClusterDetails)
	target, err := b.deps.Meta.GetCluster(ctx, d.TargetClusterID)
	if err != nil {
		return err
	}
	masters := target.InstancesByRole(metadata.RoleBackendMaster)
	if len(masters) == 0 {
		return fmt.Errorf("target cluster %d has no master", d.TargetClusterID)
	}
	flow.SetDetail("target_master", fmt.Sprintf("%s:%d", masters[0].IP, masters[0].Port))
	flow.SetDetail("target_ip", masters[0].IP)
	flow.SetDetail("bk_cloud_id", target.BkCloudID)
	return nil
}

func (b *MySQLRollbackCluster) BuildPipeline(_ context.Context, _ *model.Ticket, details interface{}, _ *model.Flow, wb *workflow.Builder) error {
	d := details.(*MySQLRollbackClusterDetails)
	payload := map[string]interface{}{
		"rollback_time": d.RollbackTime.Format(time.RFC3339),
		"databases":     d.Databases,
		"tables":        d.Tables,
		"target":        "${trans_data.target_master}",
	}

	wb.AddAct(workflow.Act{
		Name:      "下载备份",
		Component: workflow.ComponentRemoteJob,
		Inputs: map[string]interface{}{
			"ips":         []interface{}{"${trans_data.target_ip}"},
			"bk_cloud_id": "${trans_data.bk_cloud_id}",
			"bk_biz_id":   "${trans_data.bk_biz_id}",
			"task_name":   "download_backup",
			"script":      "dbactuator mysql download-backup",
		},
		Retry: workflow.RetryPolicy{MaxRetries: 3, Interval: 10},
	})
	wb.AddAct(workflow.Act{
		Name:      "恢复数据",
		Component: workflow.ComponentRemoteJob,
		Inputs: map[string]interface{}{
			"ips":         []interface{}{"${trans_data.target_ip}"},
			"bk_cloud_id": "${trans_data.bk_cloud_id}",
			"bk_biz_id":   "${trans_data.bk_biz_id}",
			"task_name":   "recover_binlog",
			"script":      "dbactuator mysql recover",
			"payload":     payload,
		},
		Timeout: 6 * 3600,
	})
	return nil
}
