package repository

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotifyRepository struct {
	db *gorm.DB
}

func NewNotifyRepository(db *gorm.DB) *NotifyRepository {
	return &NotifyRepository{db: db}
}

// FindConfig 查找最匹配的通知配置
// 优先级：业务+类型 > 业务 > 平台+类型 > 平台
func (r *NotifyRepository) FindConfig(ctx context.Context, bizID, platformBizID int64, ticketType string, status model.TicketStatus) (*model.NotifyConfig, error) {
	var cfgs []model.NotifyConfig
	err := r.db.WithContext(ctx).
		Where("bk_biz_id IN ? AND ticket_type IN ? AND status = ?", []int64{bizID, platformBizID}, []string{ticketType, ""}, status).
		Find(&cfgs).Error
	if err != nil {
		return nil, err
	}

	var best *model.NotifyConfig
	bestScore := -1
	for i := range cfgs {
		score := 0
		if cfgs[i].BkBizID == bizID && bizID != platformBizID {
			score += 2
		}
		if cfgs[i].TicketType == ticketType {
			score++
		}
		if score > bestScore {
			best, bestScore = &cfgs[i], score
		}
	}
	return best, nil
}

// SaveConfig 保存通知配置
func (r *NotifyRepository) SaveConfig(ctx context.Context, cfg *model.NotifyConfig) error {
	return r.db.WithContext(ctx).Save(cfg).Error
}

// RecordNotice 记录提醒，已存在时返回 false
func (r *NotifyRepository) RecordNotice(ctx context.Context, record *model.NoticeRecord) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountNotices 统计流程上某类提醒的次数
func (r *NotifyRepository) CountNotices(ctx context.Context, flowID uint, kind string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.NoticeRecord{}).
		Where("flow_id = ? AND kind = ?", flowID, kind).
		Count(&count).Error
	return count, err
}
