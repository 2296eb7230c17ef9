package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TicketRepository struct {
	db *gorm.DB
}

func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create 创建单据
func (r *TicketRepository) Create(ctx context.Context, ticket *model.Ticket) error {
	return r.db.WithContext(ctx).Create(ticket).Error
}

// GetByID 根据ID获取单据
func (r *TicketRepository) GetByID(ctx context.Context, id uint) (*model.Ticket, error) {
	var ticket model.Ticket
	if err := r.db.WithContext(ctx).First(&ticket, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// LockByID 事务内对单据行加锁（SELECT ... FOR UPDATE）
// 同一单据的所有推进在该行锁上串行
func (r *TicketRepository) LockByID(ctx context.Context, id uint) (*model.Ticket, error) {
	var ticket model.Ticket
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ticket, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// UpdateStatus 更新单据状态，进入结束态时记录结束时间
func (r *TicketRepository) UpdateStatus(ctx context.Context, id uint, status model.TicketStatus, updater string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if updater != "" {
		updates["updater"] = updater
	}
	if status.IsFinished() {
		updates["finished_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&model.Ticket{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateErrCode 记录导致单据失败的错误码
func (r *TicketRepository) UpdateErrCode(ctx context.Context, id uint, errCode string) error {
	return r.db.WithContext(ctx).Model(&model.Ticket{}).Where("id = ?", id).Update("err_code", errCode).Error
}

// Update 保存单据
func (r *TicketRepository) Update(ctx context.Context, ticket *model.Ticket) error {
	return r.db.WithContext(ctx).Save(ticket).Error
}

// FindChild 查找指定类型的子单据
func (r *TicketRepository) FindChild(ctx context.Context, parentID uint, ticketType string) (*model.Ticket, error) {
	var ticket model.Ticket
	err := r.db.WithContext(ctx).
		Where("parent_id = ? AND ticket_type = ?", parentID, ticketType).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

// ListOpenByType 获取指定类型的未结束单据
func (r *TicketRepository) ListOpenByType(ctx context.Context, ticketType string) ([]model.Ticket, error) {
	var tickets []model.Ticket
	err := r.db.WithContext(ctx).
		Where("ticket_type = ? AND status NOT IN ?", ticketType, model.FinishedTicketStatuses).
		Order("id ASC").
		Find(&tickets).Error
	return tickets, err
}

// ListByIDs 批量获取单据
func (r *TicketRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.Ticket, error) {
	var tickets []model.Ticket
	if len(ids) == 0 {
		return tickets, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&tickets).Error
	return tickets, err
}

// List 分页查询单据
func (r *TicketRepository) List(ctx context.Context, params model.TicketListParams) ([]model.Ticket, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Ticket{})

	if params.TicketType != "" {
		query = query.Where("ticket_type = ?", params.TicketType)
	}
	if params.Creator != "" {
		query = query.Where("creator = ?", params.Creator)
	}
	if params.BkBizID != nil {
		query = query.Where("bk_biz_id = ?", *params.BkBizID)
	}
	if len(params.Status) > 0 {
		query = query.Where("status IN ?", params.Status)
	}
	if params.ClusterID > 0 {
		sub := r.db.Model(&model.OperationRecord{}).Select("ticket_id").Where("cluster_id = ?", params.ClusterID)
		query = query.Where("id IN (?)", sub)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := params.Page, params.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var tickets []model.Ticket
	err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&tickets).Error
	return tickets, total, err
}
