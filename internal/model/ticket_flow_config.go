package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ExpireConfig 各类流程的过期天数，0 表示不过期
type ExpireConfig struct {
	ITSMDays      int `json:"itsm_days"`
	InnerFlowDays int `json:"inner_flow_days"`
	FlowTodoDays  int `json:"flow_todo_days"`
}

// DefaultExpireConfig 平台默认过期配置
var DefaultExpireConfig = ExpireConfig{
	ITSMDays:      7,
	InnerFlowDays: 7,
	FlowTodoDays:  3,
}

// FlowsConfigs 单据流程配置
type FlowsConfigs struct {
	NeedITSM          *bool         `json:"need_itsm,omitempty"`
	NeedManualConfirm *bool         `json:"need_manual_confirm,omitempty"`
	ExpireConfig      *ExpireConfig `json:"expire_config,omitempty"`
}

// TicketFlowsConfig 单据流程配置，bk_biz_id=0 为平台默认
type TicketFlowsConfig struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TicketType string         `gorm:"type:varchar(64);not null;uniqueIndex:uk_flow_config,priority:1" json:"ticket_type"`
	BkBizID    int64          `gorm:"not null;default:0;uniqueIndex:uk_flow_config,priority:2" json:"bk_biz_id"`
	Group      string         `gorm:"column:db_group;type:varchar(32)" json:"group"`
	Configs    datatypes.JSON `gorm:"type:json" json:"configs"`
	Editable   bool           `json:"editable"`
	Updater    string         `gorm:"type:varchar(64)" json:"updater"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (TicketFlowsConfig) TableName() string {
	return "ticket_flow_config"
}

// ParseConfigs 解析 configs 字段
func (c *TicketFlowsConfig) ParseConfigs() (*FlowsConfigs, error) {
	var cfg FlowsConfigs
	if len(c.Configs) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(c.Configs, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfigs 写入 configs 字段
func (c *TicketFlowsConfig) SetConfigs(cfg *FlowsConfigs) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	c.Configs = datatypes.JSON(b)
	return nil
}

// ResolvedFlowsConfig 合并后的流程配置
type ResolvedFlowsConfig struct {
	NeedITSM          bool
	NeedManualConfirm bool
	Expire            ExpireConfig
}

// Merge 按 平台 < 业务 的顺序覆盖
func (r *ResolvedFlowsConfig) Merge(cfg *FlowsConfigs) {
	if cfg == nil {
		return
	}
	if cfg.NeedITSM != nil {
		r.NeedITSM = *cfg.NeedITSM
	}
	if cfg.NeedManualConfirm != nil {
		r.NeedManualConfirm = *cfg.NeedManualConfirm
	}
	if cfg.ExpireConfig != nil {
		r.Expire = *cfg.ExpireConfig
	}
}
