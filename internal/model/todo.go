package model

import (
	"time"

	"gorm.io/datatypes"
)

// TodoType 待办类型
type TodoType string

const (
	TodoTypeITSM              TodoType = "ITSM"
	TodoTypeApprove           TodoType = "APPROVE"
	TodoTypeInnerApprove      TodoType = "INNER_APPROVE"
	TodoTypeResourceReplenish TodoType = "RESOURCE_REPLENISH"
)

// TodoStatus 待办状态
type TodoStatus string

const (
	TodoStatusTodo        TodoStatus = "TODO"
	TodoStatusRunning     TodoStatus = "RUNNING"
	TodoStatusDoneSuccess TodoStatus = "DONE_SUCCESS"
	TodoStatusDoneFailed  TodoStatus = "DONE_FAILED"
)

// OpenTodoStatuses 未处理的待办状态
var OpenTodoStatuses = []TodoStatus{TodoStatusTodo, TodoStatusRunning}

// TodoAction 待办操作
type TodoAction string

const (
	TodoActionApprove           TodoAction = "APPROVE"
	TodoActionTerminate         TodoAction = "TERMINATE"
	TodoActionResourceReplenish TodoAction = "RESOURCE_REPLENISH"
)

// Todo 待办（挂在流程上的人工操作）
type Todo struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"type:varchar(128)" json:"name"`
	TicketID  uint              `gorm:"not null;index" json:"ticket_id"`
	FlowID    uint              `gorm:"not null;index" json:"flow_id"`
	Type      TodoType          `gorm:"type:varchar(32);not null;index" json:"type"`
	Operators StringArray       `gorm:"type:json" json:"operators"`
	Context   datatypes.JSONMap `gorm:"type:json" json:"context"`
	Status    TodoStatus        `gorm:"type:varchar(32);not null;default:TODO;index" json:"status"`
	DoneBy    string            `gorm:"type:varchar(64)" json:"done_by"`
	DoneAt    *time.Time        `json:"done_at,omitempty"`
	Remark    string            `gorm:"type:varchar(512)" json:"remark"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName 指定表名
func (Todo) TableName() string {
	return "todo"
}

// IsOpen 待办是否仍待处理
func (t *Todo) IsOpen() bool {
	return t.Status == TodoStatusTodo || t.Status == TodoStatusRunning
}

// TodoHistory 待办操作历史（只追加）
type TodoHistory struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	TodoID    uint       `gorm:"not null;index" json:"todo_id"`
	TicketID  uint       `gorm:"not null;index" json:"ticket_id"`
	Action    TodoAction `gorm:"type:varchar(32);not null" json:"action"`
	Operator  string     `gorm:"type:varchar(64);not null" json:"operator"`
	Remark    string     `gorm:"type:varchar(512)" json:"remark"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName 指定表名
func (TodoHistory) TableName() string {
	return "todo_history"
}
