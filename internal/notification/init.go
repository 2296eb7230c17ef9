package notification

import (
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/apiclient"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InitFromConfig 按配置创建通知管理器并注册启用的渠道
func InitFromConfig(cfg *config.Config, store *repository.Store, meta metadata.Client) *NotificationManager {
	ncfg := cfg.Notification
	nm := NewNotificationManager(store, meta, cfg.Engine.PlatformBizID, rate.Limit(ncfg.RateLimit), ncfg.Burst)
	nm.SetTicketURL(ncfg.TicketURL)

	gateway := apiclient.New("message_gateway", cfg.Services.MessageGateway)

	var notifiersAdded int
	for _, channel := range ncfg.Channels {
		switch channel {
		case ChannelMail, ChannelVoice, ChannelWeixin, ChannelRTX, ChannelSMS:
			if cfg.Services.MessageGateway.BaseURL == "" {
				logger.Warn("[Notification] message gateway not configured", zap.String("channel", channel))
				continue
			}
			nm.AddNotifier(NewGatewayNotifier(gateway, channel))
		case ChannelWeComRobot:
			if !robotConfigured(channel, ncfg.WeComRobot) {
				continue
			}
			nm.AddNotifier(NewWeChatNotifier(ncfg.WeComRobot.Webhook))
		case ChannelFeishuRobot:
			if !robotConfigured(channel, ncfg.FeishuRobot) {
				continue
			}
			nm.AddNotifier(NewFeishuNotifier(ncfg.FeishuRobot.Webhook, ncfg.FeishuRobot.Secret))
		case ChannelDingTalkRobot:
			if !robotConfigured(channel, ncfg.DingTalkRobot) {
				continue
			}
			nm.AddNotifier(NewDingTalkNotifier(ncfg.DingTalkRobot.Webhook, ncfg.DingTalkRobot.Secret))
		default:
			logger.Warn("[Notification] unknown channel", zap.String("channel", channel))
			continue
		}
		notifiersAdded++
	}

	if notifiersAdded > 0 {
		logger.Info("[Notification] ✅ Notification system enabled", zap.Int("notifiers", notifiersAdded))
	} else {
		logger.Info("[Notification] Notification system enabled (no channels configured, notifications will be skipped)")
	}
	return nm
}

func robotConfigured(channel string, robot config.RobotConfig) bool {
	if robot.Webhook == "" {
		logger.Warn("[Notification] robot enabled but webhook URL is empty", zap.String("channel", channel))
		return false
	}
	truncatedURL := robot.Webhook
	if len(truncatedURL) > 50 {
		truncatedURL = truncatedURL[:50] + "..."
	}
	logger.Info("[Notification] robot notifier enabled", zap.String("channel", channel), zap.String("webhook", truncatedURL))
	return true
}
