package notification

import (
	"context"
	"strings"

	"github.com/fisker/dbm-flow/pkg/apiclient"
)

// GatewayNotifier 通过消息网关投递的渠道（邮件、语音、微信、RTX、短信）
type GatewayNotifier struct {
	channel string
	api     *apiclient.Client
}

// NewGatewayNotifier 创建网关渠道
func NewGatewayNotifier(api *apiclient.Client, channel string) *GatewayNotifier {
	return &GatewayNotifier{channel: channel, api: api}
}

// Channel 渠道名称
func (n *GatewayNotifier) Channel() string {
	return n.channel
}

// Send 发送消息
func (n *GatewayNotifier) Send(ctx context.Context, msg *Message) error {
	body := map[string]interface{}{
		"msg_type":           n.channel,
		"receiver__username": strings.Join(msg.Receivers, ","),
		"title":              msg.Title,
		"content":            msg.Content,
	}
	if n.channel == ChannelMail {
		body["is_content_base64"] = false
	}
	return n.api.Post(ctx, "/send_msg", body, nil)
}
