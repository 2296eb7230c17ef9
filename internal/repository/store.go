package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store 单据引擎仓储集合
// 事务内通过 Transaction 拿到绑定同一个 tx 的仓储
type Store struct {
	db *gorm.DB

	Ticket          *TicketRepository
	Flow            *FlowRepository
	Todo            *TodoRepository
	FlowConfig      *FlowConfigRepository
	OperationRecord *OperationRecordRepository
	FlowNode        *FlowNodeRepository
	Notify          *NotifyRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:              db,
		Ticket:          NewTicketRepository(db),
		Flow:            NewFlowRepository(db),
		Todo:            NewTodoRepository(db),
		FlowConfig:      NewFlowConfigRepository(db),
		OperationRecord: NewOperationRecordRepository(db),
		FlowNode:        NewFlowNodeRepository(db),
		Notify:          NewNotifyRepository(db),
	}
}

// DB 底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在事务中执行 fn，fn 内只能使用参数 tx 上的仓储
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
