package model

import (
	"time"

	"gorm.io/datatypes"
)

// NodeStatus 任务流节点状态
type NodeStatus string

const (
	NodeStatusReady    NodeStatus = "READY"
	NodeStatusRunning  NodeStatus = "RUNNING"
	NodeStatusFinished NodeStatus = "FINISHED"
	NodeStatusFailed   NodeStatus = "FAILED"
	NodeStatusRevoked  NodeStatus = "REVOKED"
	NodeStatusSkipped  NodeStatus = "SKIPPED"
)

// IsDone 节点已成功结束（重试时跳过）
func (s NodeStatus) IsDone() bool {
	return s == NodeStatusFinished || s == NodeStatusSkipped
}

// FlowNode 任务流原子执行记录
type FlowNode struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RootID        string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_flow_node,priority:1" json:"root_id"`
	NodeID        string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_flow_node,priority:2" json:"node_id"`
	TicketID      uint       `gorm:"index" json:"ticket_id"`
	FlowID        uint       `gorm:"index" json:"flow_id"`
	Name          string     `gorm:"type:varchar(128)" json:"name"`
	ComponentCode string     `gorm:"type:varchar(64)" json:"component_code"`
	Status        NodeStatus `gorm:"type:varchar(32);not null;default:READY" json:"status"`
	RetryCount    int        `gorm:"default:0" json:"retry_count"`
	ErrMsg        string     `gorm:"type:text" json:"err_msg"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (FlowNode) TableName() string {
	return "flow_node"
}

// PipelineTree 已提交的任务流结构与上下文
type PipelineTree struct {
	RootID     string            `gorm:"primaryKey;type:varchar(64)" json:"root_id"`
	TicketID   uint              `gorm:"index" json:"ticket_id"`
	FlowID     uint              `gorm:"index" json:"flow_id"`
	Tree       datatypes.JSON    `gorm:"type:json" json:"tree"`
	Blackboard datatypes.JSONMap `gorm:"type:json" json:"blackboard"`
	Status     NodeStatus        `gorm:"type:varchar(32);not null;default:READY;index" json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName 指定表名
func (PipelineTree) TableName() string {
	return "pipeline_tree"
}
