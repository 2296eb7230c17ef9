package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// repairGroup 一个集群上的校验失败
type repairGroup struct {
	clusterID uint
	bizID     int64
	details   builders.MySQLDataRepairDetails
	seenSlave map[string]bool
	seenTable map[string]bool
}

// routineDataRepair 例行校验发现主从不一致时，为每个集群生成数据修复单据
func (s *Scheduler) routineDataRepair(ctx context.Context) error {
	since := s.now().Add(-time.Duration(s.cfg.DataRepair) * time.Second)
	failures, err := s.meta.ListChecksumFailures(ctx, since)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}

	open, err := s.openRepairClusters(ctx)
	if err != nil {
		return err
	}

	var order []uint
	groups := make(map[uint]*repairGroup)
	for _, f := range failures {
		if open[f.ClusterID] {
			continue
		}
		g, ok := groups[f.ClusterID]
		if !ok {
			g = newRepairGroup(f)
			groups[f.ClusterID] = g
			order = append(order, f.ClusterID)
		}
		g.add(f)
	}

	for _, clusterID := range order {
		g := groups[clusterID]
		raw, err := json.Marshal(g.details)
		if err != nil {
			return err
		}
		ticket, err := s.mgr.CreateTicket(ctx, &manager.CreateRequest{
			TicketType: builders.TicketMySQLDataRepair,
			BkBizID:    g.bizID,
			Creator:    s.mgr.SystemUser(),
			Remark:     fmt.Sprintf("例行校验发现 %d 张表不一致", len(g.details.Tables)),
			Details:    raw,
		})
		if err != nil {
			logger.Error("[Scheduler] create data repair ticket failed", zap.Uint("cluster_id", clusterID), zap.Error(err))
			continue
		}
		logger.Info("[Scheduler] data repair ticket created",
			zap.Uint("cluster_id", clusterID),
			zap.Uint("ticket_id", ticket.ID),
			zap.Int("tables", len(g.details.Tables)))
	}
	return nil
}

// openRepairClusters 已有未结束修复单据的集群
func (s *Scheduler) openRepairClusters(ctx context.Context) (map[uint]bool, error) {
	tickets, err := s.store.Ticket.ListOpenByType(ctx, builders.TicketMySQLDataRepair)
	if err != nil {
		return nil, err
	}
	open := make(map[uint]bool)
	for _, t := range tickets {
		for _, id := range t.ClusterIDs {
			open[id] = true
		}
	}
	return open, nil
}

func newRepairGroup(f metadata.ChecksumFailure) *repairGroup {
	return &repairGroup{
		clusterID: f.ClusterID,
		bizID:     f.BkBizID,
		details: builders.MySQLDataRepairDetails{
			ClusterID:   f.ClusterID,
			Master:      builders.InstanceInfo{IP: f.MasterIP, Port: f.MasterPort},
			TriggerType: builders.RepairTriggerRoutine,
		},
		seenSlave: make(map[string]bool),
		seenTable: make(map[string]bool),
	}
}

func (g *repairGroup) add(f metadata.ChecksumFailure) {
	slave := builders.InstanceInfo{IP: f.SlaveIP, Port: f.SlavePort}
	if !g.seenSlave[slave.String()] {
		g.seenSlave[slave.String()] = true
		g.details.Slaves = append(g.details.Slaves, slave)
	}
	table := f.DB + "." + f.Table
	if !g.seenTable[table] {
		g.seenTable[table] = true
		g.details.Tables = append(g.details.Tables, builders.RepairTable{DB: f.DB, Table: f.Table})
	}
}
