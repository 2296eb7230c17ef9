package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TicketStatus 单据状态
type TicketStatus string

const (
	TicketStatusPending           TicketStatus = "PENDING"
	TicketStatusApprove           TicketStatus = "APPROVE"
	TicketStatusRunning           TicketStatus = "RUNNING"
	TicketStatusInnerTodo         TicketStatus = "INNER_TODO"
	TicketStatusResourceReplenish TicketStatus = "RESOURCE_REPLENISH"
	TicketStatusFailed            TicketStatus = "FAILED"
	TicketStatusSucceeded         TicketStatus = "SUCCEEDED"
	TicketStatusRevoked           TicketStatus = "REVOKED"
	TicketStatusTerminated        TicketStatus = "TERMINATED"
)

// IsFinished 单据是否已结束（不再推进）
// FAILED 可重试，不算结束
func (s TicketStatus) IsFinished() bool {
	switch s {
	case TicketStatusSucceeded, TicketStatusRevoked, TicketStatusTerminated:
		return true
	}
	return false
}

// IsTerminal 单据是否处于终态之一
func (s TicketStatus) IsTerminal() bool {
	return s.IsFinished() || s == TicketStatusFailed
}

// FinishedTicketStatuses 结束态列表，用于查询开放的操作记录
// 不含 FAILED：失败单据继续占用集群，直到重试成功或被撤销、终止，手动重试因此不再准入
var FinishedTicketStatuses = []TicketStatus{
	TicketStatusSucceeded,
	TicketStatusRevoked,
	TicketStatusTerminated,
}

// Ticket 单据
type Ticket struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	TicketType    string         `gorm:"type:varchar(64);not null;index" json:"ticket_type"`
	Creator       string         `gorm:"type:varchar(64);not null;index" json:"creator"`
	Updater       string         `gorm:"type:varchar(64)" json:"updater"`
	BkBizID       int64          `gorm:"not null;index" json:"bk_biz_id"`
	Group         string         `gorm:"column:db_group;type:varchar(32);index" json:"group"` // 数据库类型: mysql/tendbcluster/redis
	Status        TicketStatus   `gorm:"type:varchar(32);not null;default:PENDING;index" json:"status"`
	Details       datatypes.JSON `gorm:"type:json" json:"details"`
	ClusterIDs    UintArray      `gorm:"type:json" json:"cluster_ids"`
	Remark        string         `gorm:"type:varchar(512)" json:"remark"`
	SendMsgConfig datatypes.JSON `gorm:"type:json" json:"send_msg_config"`
	Helpers       StringArray    `gorm:"type:json" json:"helpers"`
	ParentID      uint           `gorm:"index" json:"parent_id"` // 回收子单据关联的父单据
	ErrCode       string         `gorm:"type:varchar(64)" json:"err_code"`
	IsReviewed    bool           `gorm:"default:false" json:"is_reviewed"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (Ticket) TableName() string {
	return "ticket"
}

// TicketSendMsgConfig 单据级通知配置，覆盖业务和平台配置
type TicketSendMsgConfig struct {
	Checked []TicketStatus `json:"checked"`  // 需要通知的单据状态
	MsgType []string       `json:"msg_type"` // 通知渠道
}

// MsgConfig 解析单据级通知配置，未配置时返回 nil
func (t *Ticket) MsgConfig() *TicketSendMsgConfig {
	if len(t.SendMsgConfig) == 0 || string(t.SendMsgConfig) == "null" {
		return nil
	}
	var cfg TicketSendMsgConfig
	if err := json.Unmarshal(t.SendMsgConfig, &cfg); err != nil {
		return nil
	}
	if len(cfg.Checked) == 0 && len(cfg.MsgType) == 0 {
		return nil
	}
	return &cfg
}

// TicketListParams 单据查询参数
type TicketListParams struct {
	TicketType string
	Creator    string
	BkBizID    *int64
	Status     []TicketStatus
	ClusterID  uint
	Page       int
	PageSize   int
}
