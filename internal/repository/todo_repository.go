package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/gorm"
)

type TodoRepository struct {
	db *gorm.DB
}

func NewTodoRepository(db *gorm.DB) *TodoRepository {
	return &TodoRepository{db: db}
}

// Create 创建待办
func (r *TodoRepository) Create(ctx context.Context, todo *model.Todo) error {
	return r.db.WithContext(ctx).Create(todo).Error
}

// GetByID 根据ID获取待办
func (r *TodoRepository) GetByID(ctx context.Context, id uint) (*model.Todo, error) {
	var todo model.Todo
	if err := r.db.WithContext(ctx).First(&todo, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrTodoNotFound
		}
		return nil, err
	}
	return &todo, nil
}

// Save 保存待办
func (r *TodoRepository) Save(ctx context.Context, todo *model.Todo) error {
	return r.db.WithContext(ctx).Save(todo).Error
}

// ListByTicket 获取单据的全部待办
func (r *TodoRepository) ListByTicket(ctx context.Context, ticketID uint) ([]model.Todo, error) {
	var todos []model.Todo
	err := r.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("id ASC").Find(&todos).Error
	return todos, err
}

// ListOpenByFlow 获取流程上未处理的待办
func (r *TodoRepository) ListOpenByFlow(ctx context.Context, flowID uint) ([]model.Todo, error) {
	var todos []model.Todo
	err := r.db.WithContext(ctx).
		Where("flow_id = ? AND status IN ?", flowID, model.OpenTodoStatuses).
		Order("id ASC").
		Find(&todos).Error
	return todos, err
}

// ListOpenByTicket 获取单据上未处理的待办
func (r *TodoRepository) ListOpenByTicket(ctx context.Context, ticketID uint) ([]model.Todo, error) {
	var todos []model.Todo
	err := r.db.WithContext(ctx).
		Where("ticket_id = ? AND status IN ?", ticketID, model.OpenTodoStatuses).
		Order("id ASC").
		Find(&todos).Error
	return todos, err
}

// ListOpenByTypes 按类型获取全部未处理的待办
func (r *TodoRepository) ListOpenByTypes(ctx context.Context, types []model.TodoType) ([]model.Todo, error) {
	var todos []model.Todo
	err := r.db.WithContext(ctx).
		Where("type IN ? AND status IN ?", types, model.OpenTodoStatuses).
		Order("id ASC").
		Find(&todos).Error
	return todos, err
}

// CloseOpenByTicket 关闭单据上的所有未处理待办，返回关闭的数量
func (r *TodoRepository) CloseOpenByTicket(ctx context.Context, ticketID uint, status model.TodoStatus, operator string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Todo{}).
		Where("ticket_id = ? AND status IN ?", ticketID, model.OpenTodoStatuses).
		Updates(map[string]interface{}{
			"status":  status,
			"done_by": operator,
			"done_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// CloseOpenByFlow 关闭流程上的所有未处理待办
func (r *TodoRepository) CloseOpenByFlow(ctx context.Context, flowID uint, status model.TodoStatus, operator string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Todo{}).
		Where("flow_id = ? AND status IN ?", flowID, model.OpenTodoStatuses).
		Updates(map[string]interface{}{
			"status":  status,
			"done_by": operator,
			"done_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// AddHistory 追加待办操作历史
func (r *TodoRepository) AddHistory(ctx context.Context, history *model.TodoHistory) error {
	return r.db.WithContext(ctx).Create(history).Error
}

// ListHistory 获取待办操作历史
func (r *TodoRepository) ListHistory(ctx context.Context, todoID uint) ([]model.TodoHistory, error) {
	var histories []model.TodoHistory
	err := r.db.WithContext(ctx).Where("todo_id = ?", todoID).Order("id ASC").Find(&histories).Error
	return histories, err
}
