package model

import (
	"time"

	"gorm.io/datatypes"
)

// FlowType 流程类型
type FlowType string

const (
	FlowTypeITSM             FlowType = "ITSM"
	FlowTypePause            FlowType = "PAUSE"
	FlowTypeTimer            FlowType = "TIMER"
	FlowTypeResourceApply    FlowType = "RESOURCE_APPLY"
	FlowTypeResourceDelivery FlowType = "RESOURCE_DELIVERY"
	FlowTypeInner            FlowType = "INNER"
	FlowTypeInnerApprove     FlowType = "INNER_APPROVE"
	FlowTypeDelivery         FlowType = "DELIVERY"
	FlowTypeDescribeTask     FlowType = "DESCRIBE_TASK"
	FlowTypeRecycle          FlowType = "RECYCLE"
)

// FlowStatus 流程状态
type FlowStatus string

const (
	FlowStatusPending    FlowStatus = "PENDING"
	FlowStatusRunning    FlowStatus = "RUNNING"
	FlowStatusSkipped    FlowStatus = "SKIPPED"
	FlowStatusSucceeded  FlowStatus = "SUCCEEDED"
	FlowStatusFailed     FlowStatus = "FAILED"
	FlowStatusRevoked    FlowStatus = "REVOKED"
	FlowStatusTerminated FlowStatus = "TERMINATED"
)

// IsDone 成功结束（后继流程可以开始）
func (s FlowStatus) IsDone() bool {
	return s == FlowStatusSucceeded || s == FlowStatusSkipped
}

// IsImmutable 终态后不可再变更，FAILED 可重试
func (s FlowStatus) IsImmutable() bool {
	switch s {
	case FlowStatusSucceeded, FlowStatusSkipped, FlowStatusRevoked, FlowStatusTerminated:
		return true
	}
	return false
}

// 流程错误码
const (
	ErrCodeAutoExclusive    = "AUTO_EXCLUSIVE_ERROR"
	ErrCodeResourceShortage = "RESOURCE_SHORTAGE"
	ErrCodeInnerFailed      = "INNER_FLOW_FAILED"
	ErrCodeApprovalRejected = "APPROVAL_REJECTED"
	ErrCodeExpired          = "EXPIRED"
	ErrCodeStartFailed      = "START_FAILED"
)

// 重试类型
const (
	RetryTypeManual = "MANUAL"
	RetryTypeAuto   = "AUTO"
)

// Flow 单据流程（单据的一个有序阶段）
type Flow struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	TicketID  uint              `gorm:"not null;uniqueIndex:uk_flow_ticket_order,priority:1" json:"ticket_id"`
	FlowOrder int               `gorm:"not null;uniqueIndex:uk_flow_ticket_order,priority:2" json:"order"`
	FlowType  FlowType          `gorm:"type:varchar(32);not null;index" json:"flow_type"`
	FlowAlias string            `gorm:"type:varchar(128)" json:"flow_alias"`
	Status    FlowStatus        `gorm:"type:varchar(32);not null;default:PENDING;index" json:"status"`
	Details   datatypes.JSONMap `gorm:"type:json" json:"details"`
	Context   datatypes.JSONMap `gorm:"type:json" json:"context"`
	FlowObjID string            `gorm:"type:varchar(128);index" json:"flow_obj_id"`
	ErrCode   string            `gorm:"type:varchar(64);index" json:"err_code"`
	ErrMsg    string            `gorm:"type:text" json:"err_msg"`
	RetryType string            `gorm:"type:varchar(16)" json:"retry_type"`
	StartAt   *time.Time        `json:"start_at,omitempty"`
	EndAt     *time.Time        `json:"end_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName 指定表名
func (Flow) TableName() string {
	return "flow"
}

// Detail 读取 details 中的键
func (f *Flow) Detail(key string) (interface{}, bool) {
	if f.Details == nil {
		return nil, false
	}
	v, ok := f.Details[key]
	return v, ok
}

// SetDetail 写入 details
func (f *Flow) SetDetail(key string, value interface{}) {
	if f.Details == nil {
		f.Details = datatypes.JSONMap{}
	}
	f.Details[key] = value
}

// ContextValue 读取驱动私有上下文
func (f *Flow) ContextValue(key string) (interface{}, bool) {
	if f.Context == nil {
		return nil, false
	}
	v, ok := f.Context[key]
	return v, ok
}

// SetContext 写入驱动私有上下文
func (f *Flow) SetContext(key string, value interface{}) {
	if f.Context == nil {
		f.Context = datatypes.JSONMap{}
	}
	f.Context[key] = value
}

// ContextBool 读取布尔上下文
func (f *Flow) ContextBool(key string) bool {
	v, ok := f.ContextValue(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// 失败后建议的操作
const (
	SuggestionRetry     = "retry"
	SuggestionReplenish = "replenish"
	SuggestionTerminate = "terminate"
)

// FlowFailure 面向用户的失败信息
type FlowFailure struct {
	FlowID     uint   `json:"flow_id"`
	ActID      string `json:"act_id,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"` // retry / replenish / terminate
}
