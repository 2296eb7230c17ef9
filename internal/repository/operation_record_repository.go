package repository

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OperationRecordRepository struct {
	db *gorm.DB
}

func NewOperationRecordRepository(db *gorm.DB) *OperationRecordRepository {
	return &OperationRecordRepository{db: db}
}

// Append 追加操作记录，重复的 (ticket_id, flow_id, cluster_id) 忽略
func (r *OperationRecordRepository) Append(ctx context.Context, records []model.OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
}

// ListOpenByClusters 查询指定集群上其他单据的开放操作记录
// 开放 = 所属单据尚未结束
func (r *OperationRecordRepository) ListOpenByClusters(ctx context.Context, clusterIDs []uint, excludeTicketID uint) ([]model.OpenOperationRecord, error) {
	var records []model.OpenOperationRecord
	if len(clusterIDs) == 0 {
		return records, nil
	}
	err := r.db.WithContext(ctx).
		Table("operation_record").
		Select("operation_record.*, ticket.status AS ticket_status").
		Joins("JOIN ticket ON ticket.id = operation_record.ticket_id").
		Where("operation_record.cluster_id IN ?", clusterIDs).
		Where("operation_record.ticket_id <> ?", excludeTicketID).
		Where("ticket.status NOT IN ?", model.FinishedTicketStatuses).
		Order("operation_record.id ASC").
		Scan(&records).Error
	return records, err
}

// ListByTicket 获取单据的操作记录
func (r *OperationRecordRepository) ListByTicket(ctx context.Context, ticketID uint) ([]model.OperationRecord, error) {
	var records []model.OperationRecord
	err := r.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("id ASC").Find(&records).Error
	return records, err
}
