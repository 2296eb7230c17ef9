package model

import "time"

// 通知接收人角色
const (
	ReceiverCreator    = "creator"
	ReceiverAssistants = "assistants"
	ReceiverApprovers  = "approvers"
	ReceiverDBA        = "dba"
)

// NotifyConfig 通知配置，bk_biz_id=0 为平台默认，ticket_type 为空表示全部类型
type NotifyConfig struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	BkBizID    int64        `gorm:"not null;default:0;index:idx_notify_config,priority:1" json:"bk_biz_id"`
	TicketType string       `gorm:"type:varchar(64);index:idx_notify_config,priority:2" json:"ticket_type"`
	Status     TicketStatus `gorm:"type:varchar(32);not null;index:idx_notify_config,priority:3" json:"status"`
	Channels   StringArray  `gorm:"type:json" json:"channels"`
	Receivers  StringArray  `gorm:"type:json" json:"receivers"`
	Enabled    bool         `json:"enabled"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// TableName 指定表名
func (NotifyConfig) TableName() string {
	return "notify_config"
}

// NoticeRecord 已发送的提醒，唯一键保证同一提醒只发一次
type NoticeRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FlowID    uint      `gorm:"not null;uniqueIndex:uk_notice_record,priority:1" json:"flow_id"`
	Kind      string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_notice_record,priority:2" json:"kind"`
	AheadOf   string    `gorm:"type:varchar(16);not null;uniqueIndex:uk_notice_record,priority:3" json:"ahead_of"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (NoticeRecord) TableName() string {
	return "notice_record"
}
