package model

import "time"

// PlatformClusterID 平台级互斥使用的集群ID
const PlatformClusterID uint = 0

// OperationRecord 集群操作记录（只追加）
// 单据未结束时记录处于开放状态，作为互斥判断的输入
type OperationRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TicketID   uint      `gorm:"not null;uniqueIndex:uk_operation_record,priority:1" json:"ticket_id"`
	FlowID     uint      `gorm:"not null;uniqueIndex:uk_operation_record,priority:2" json:"flow_id"`
	ClusterID  uint      `gorm:"not null;uniqueIndex:uk_operation_record,priority:3;index" json:"cluster_id"`
	TicketType string    `gorm:"type:varchar(64);not null" json:"ticket_type"`
	Creator    string    `gorm:"type:varchar(64)" json:"creator"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (OperationRecord) TableName() string {
	return "operation_record"
}

// OpenOperationRecord 开放的操作记录及其单据状态
type OpenOperationRecord struct {
	OperationRecord
	TicketStatus TicketStatus `json:"ticket_status"`
}
