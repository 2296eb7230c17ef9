package repository

import (
	"context"
	"errors"

	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type FlowConfigRepository struct {
	db *gorm.DB
}

func NewFlowConfigRepository(db *gorm.DB) *FlowConfigRepository {
	return &FlowConfigRepository{db: db}
}

// Get 获取单据类型在指定业务下的配置，不存在返回 nil
func (r *FlowConfigRepository) Get(ctx context.Context, ticketType string, bizID int64) (*model.TicketFlowsConfig, error) {
	var cfg model.TicketFlowsConfig
	err := r.db.WithContext(ctx).
		Where("ticket_type = ? AND bk_biz_id = ?", ticketType, bizID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// Resolve 合并平台默认配置与业务配置，业务配置优先
func (r *FlowConfigRepository) Resolve(ctx context.Context, ticketType string, bizID, platformBizID int64, base model.ResolvedFlowsConfig) (model.ResolvedFlowsConfig, error) {
	resolved := base

	scopes := []int64{platformBizID}
	if bizID != platformBizID {
		scopes = append(scopes, bizID)
	}
	for _, scope := range scopes {
		row, err := r.Get(ctx, ticketType, scope)
		if err != nil {
			return resolved, err
		}
		if row == nil {
			continue
		}
		cfg, err := row.ParseConfigs()
		if err != nil {
			return resolved, err
		}
		resolved.Merge(cfg)
	}
	return resolved, nil
}

// Upsert 更新或插入配置
func (r *FlowConfigRepository) Upsert(ctx context.Context, cfg *model.TicketFlowsConfig) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_type"}, {Name: "bk_biz_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"configs", "db_group", "editable", "updater", "updated_at"}),
	}).Create(cfg).Error
}

// List 获取业务下的全部配置
func (r *FlowConfigRepository) List(ctx context.Context, bizID int64) ([]model.TicketFlowsConfig, error) {
	var cfgs []model.TicketFlowsConfig
	err := r.db.WithContext(ctx).Where("bk_biz_id = ?", bizID).Order("ticket_type ASC").Find(&cfgs).Error
	return cfgs, err
}
