// Package notification 单据状态变更通知：渠道提供者、渲染适配和接收人解析
package notification

import (
	"context"
)

// 通知渠道
const (
	ChannelMail          = "mail"
	ChannelVoice         = "voice"
	ChannelWeixin        = "weixin"
	ChannelRTX           = "rtx"
	ChannelSMS           = "sms"
	ChannelWeComRobot    = "wecom_robot"
	ChannelFeishuRobot   = "feishu_robot"
	ChannelDingTalkRobot = "dingtalk_robot"
)

// GatewayChannels 由消息网关统一投递的渠道
var GatewayChannels = []string{ChannelMail, ChannelVoice, ChannelWeixin, ChannelRTX, ChannelSMS}

// Message 渲染后的消息
type Message struct {
	Channel   string   `json:"channel"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Receivers []string `json:"receivers"`
}

// Notifier 通知渠道提供者
type Notifier interface {
	// Channel 渠道名称
	Channel() string
	// Send 发送消息
	Send(ctx context.Context, msg *Message) error
}
