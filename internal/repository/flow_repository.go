package repository

import (
	"context"
	"errors"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
)

type FlowRepository struct {
	db *gorm.DB
}

func NewFlowRepository(db *gorm.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// CreateBatch 批量创建流程
func (r *FlowRepository) CreateBatch(ctx context.Context, flows []*model.Flow) error {
	if len(flows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(flows).Error
}

// ListByTicket 按顺序获取单据的全部流程
func (r *FlowRepository) ListByTicket(ctx context.Context, ticketID uint) ([]model.Flow, error) {
	var flows []model.Flow
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("flow_order ASC").
		Find(&flows).Error
	return flows, err
}

// GetByID 根据ID获取流程
func (r *FlowRepository) GetByID(ctx context.Context, id uint) (*model.Flow, error) {
	var flow model.Flow
	if err := r.db.WithContext(ctx).First(&flow, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrFlowNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// GetByFlowObjID 根据外部句柄（如任务流 root_id）获取流程
func (r *FlowRepository) GetByFlowObjID(ctx context.Context, flowObjID string) (*model.Flow, error) {
	var flow model.Flow
	err := r.db.WithContext(ctx).Where("flow_obj_id = ?", flowObjID).First(&flow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrFlowNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// Save 保存流程
func (r *FlowRepository) Save(ctx context.Context, flow *model.Flow) error {
	return r.db.WithContext(ctx).Save(flow).Error
}

// ListByErrCode 按错误码和状态查询流程
func (r *FlowRepository) ListByErrCode(ctx context.Context, errCode string, status model.FlowStatus) ([]model.Flow, error) {
	var flows []model.Flow
	err := r.db.WithContext(ctx).
		Where("err_code = ? AND status = ?", errCode, status).
		Order("id ASC").
		Find(&flows).Error
	return flows, err
}

// ListByTypeAndStatus 按流程类型和状态查询
func (r *FlowRepository) ListByTypeAndStatus(ctx context.Context, flowTypes []model.FlowType, status model.FlowStatus) ([]model.Flow, error) {
	var flows []model.Flow
	err := r.db.WithContext(ctx).
		Where("flow_type IN ? AND status = ?", flowTypes, status).
		Order("id ASC").
		Find(&flows).Error
	return flows, err
}
