package builders

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// SwitchInfo 一组主从互切
type SwitchInfo struct {
	ClusterIDs []uint   `json:"cluster_ids" validate:"required,min=1"`
	MasterIP   HostInfo `json:"master_ip" validate:"required"`
	SlaveIP    HostInfo `json:"slave_ip" validate:"required"`
}

// MySQLMasterSlaveSwitchDetails 主从互切参数
type MySQLMasterSlaveSwitchDetails struct {
	Infos            []SwitchInfo `json:"infos" validate:"required,min=1,dive"`
	IsCheckProcess   bool         `json:"is_check_process"`
	IsVerifyChecksum bool         `json:"is_verify_checksum"`
	IsCheckDelay     bool         `json:"is_check_delay"`
}

// MySQLMasterSlaveSwitch 主从互切
type MySQLMasterSlaveSwitch struct {
	base
}

func NewMySQLMasterSlaveSwitch(deps Deps) *MySQLMasterSlaveSwitch {
	return &MySQLMasterSlaveSwitch{base{
		ticketType: TicketMySQLMasterSlaveSwitch,
		attrs:      registry.Attrs{Group: GroupMySQL, NeedITSM: true, NeedManualConfirm: true},
		deps:       deps,
	}}
}

func (b *MySQLMasterSlaveSwitch) NewDetails() interface{} { return &MySQLMasterSlaveSwitchDetails{} }

// Validate 主库必须是集群当前 master，从库必须是集群 slave
func (b *MySQLMasterSlaveSwitch) Validate(ctx context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*MySQLMasterSlaveSwitchDetails)
	ve := &errno.ValidationError{}

	for i, info := range d.Infos {
		prefix := fmt.Sprintf("details.infos[%d]", i)
		if info.MasterIP.IP == info.SlaveIP.IP {
			ve.Add(prefix+".slave_ip", "master and slave must be different hosts")
			continue
		}
		for j, clusterID := range info.ClusterIDs {
			field := fmt.Sprintf("%s.cluster_ids[%d]", prefix, j)
			cluster, err := loadCluster(ctx, b.deps.Meta, field, clusterID, "")
			if err != nil {
				if errno.IsValidation(err) {
					ve.Fields = append(ve.Fields, err.(*errno.ValidationError).Fields...)
					continue
				}
				return err
			}
			if !hasInstance(cluster, info.MasterIP.IP, metadata.RoleBackendMaster) {
				ve.Add(prefix+".master_ip", "%s is not the master of cluster %d", info.MasterIP.IP, clusterID)
			}
			if !hasInstance(cluster, info.SlaveIP.IP, metadata.RoleBackendSlave) {
				ve.Add(prefix+".slave_ip", "%s is not a slave of cluster %d", info.SlaveIP.IP, clusterID)
			}
		}
	}
	return ve.OrNil()
}

func (b *MySQLMasterSlaveSwitch) Clusters(details interface{}) []uint {
	var ids []uint
	for _, info := range details.(*MySQLMasterSlaveSwitchDetails).Infos {
		ids = append(ids, info.ClusterIDs...)
	}
	return uniqueIDs(ids)
}

func (b *MySQLMasterSlaveSwitch) FlowPlan(context.Context, *model.Ticket, interface{}) ([]registry.FlowSpec, error) {
	return []registry.FlowSpec{{FlowType: model.FlowTypeInner, Alias: "主从互切"}}, nil
}

func (b *MySQLMasterSlaveSwitch) BuildPipeline(_ context.Context, _ *model.Ticket, details interface{}, _ *model.Flow, wb *workflow.Builder) error {
	d := details.(*MySQLMasterSlaveSwitchDetails)

	subs := make([]*workflow.SubBuilder, 0, len(d.Infos))
	for _, info := range d.Infos {
		ips := []string{info.MasterIP.IP, info.SlaveIP.IP}
		sub := workflow.NewSubBuilder(fmt.Sprintf("%s -> %s", info.MasterIP.IP, info.SlaveIP.IP))
		if d.IsCheckProcess || d.IsCheckDelay || d.IsVerifyChecksum {
			sub.AddAct(workflow.Act{
				Name:      "互切前检查",
				Component: workflow.ComponentRemoteJob,
				Inputs: remoteJob("pre_switch_check", ips, info.MasterIP.BkCloudID, "dbactuator mysql check-switch", map[string]interface{}{
					"check_process":   d.IsCheckProcess,
					"check_delay":     d.IsCheckDelay,
					"verify_checksum": d.IsVerifyChecksum,
				}),
			})
		}
		sub.AddAct(workflow.Act{
			Name:      "执行互切",
			Component: workflow.ComponentRemoteJob,
			Inputs: remoteJob("switch", []string{info.SlaveIP.IP}, info.SlaveIP.BkCloudID, "dbactuator mysql switch", map[string]interface{}{
				"master": info.MasterIP.IP,
				"slave":  info.SlaveIP.IP,
			}),
		})
		sub.AddAct(workflow.Act{
			Name:      "记录新主库",
			Component: workflow.ComponentWritePayloadVar,
			Inputs:    map[string]interface{}{"key": "new_master_" + info.MasterIP.IP, "value": info.SlaveIP.IP},
		})
		subs = append(subs, sub)
	}
	wb.AddParallelSubPipeline(subs)
	return nil
}
