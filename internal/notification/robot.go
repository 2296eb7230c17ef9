package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var robotHTTPClient = &http.Client{Timeout: 10 * time.Second}

// FeishuNotifier 飞书群机器人
type FeishuNotifier struct {
	WebhookURL string
	Secret     string
}

// DingTalkNotifier 钉钉群机器人
type DingTalkNotifier struct {
	WebhookURL string
	Secret     string
}

// WeChatNotifier 企业微信群机器人
type WeChatNotifier struct {
	WebhookURL string
}

// NewFeishuNotifier 创建飞书通知器
func NewFeishuNotifier(webhookURL, secret string) *FeishuNotifier {
	return &FeishuNotifier{
		WebhookURL: webhookURL,
		Secret:     secret,
	}
}

// NewDingTalkNotifier 创建钉钉通知器
func NewDingTalkNotifier(webhookURL, secret string) *DingTalkNotifier {
	return &DingTalkNotifier{
		WebhookURL: webhookURL,
		Secret:     secret,
	}
}

// NewWeChatNotifier 创建企业微信通知器
func NewWeChatNotifier(webhookURL string) *WeChatNotifier {
	return &WeChatNotifier{
		WebhookURL: webhookURL,
	}
}

// Channel 渠道名称
func (n *FeishuNotifier) Channel() string { return ChannelFeishuRobot }

// Send 发送飞书卡片消息
func (n *FeishuNotifier) Send(ctx context.Context, msg *Message) error {
	timestamp := time.Now().Unix()

	message := map[string]interface{}{
		"timestamp": fmt.Sprintf("%d", timestamp),
		"sign":      n.genSign(timestamp),
		"msg_type":  "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"title": map[string]interface{}{
					"tag":     "plain_text",
					"content": msg.Title,
				},
				"template": "blue",
			},
			"elements": []map[string]interface{}{
				{
					"tag": "div",
					"text": map[string]interface{}{
						"content": msg.Content,
						"tag":     "lark_md",
					},
				},
			},
		},
	}

	respBody, err := postJSON(ctx, n.WebhookURL, message)
	if err != nil {
		return fmt.Errorf("feishu robot: %w", err)
	}

	// 飞书即使返回 200，也可能在响应体中包含错误
	var feishuResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &feishuResp) == nil && feishuResp.Code != 0 {
		return fmt.Errorf("feishu returned error code: %d, msg: %s", feishuResp.Code, feishuResp.Msg)
	}
	return nil
}

// genSign 生成飞书签名
func (n *FeishuNotifier) genSign(timestamp int64) string {
	if n.Secret == "" {
		return ""
	}

	stringToSign := fmt.Sprintf("%v", timestamp) + "\n" + n.Secret
	var data []byte
	h := hmac.New(sha256.New, []byte(stringToSign))
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Channel 渠道名称
func (n *DingTalkNotifier) Channel() string { return ChannelDingTalkRobot }

// Send 发送钉钉 Markdown 消息
func (n *DingTalkNotifier) Send(ctx context.Context, msg *Message) error {
	message := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]interface{}{
			"title": msg.Title,
			"text":  msg.Content,
		},
		"at": map[string]interface{}{
			"atUserIds": msg.Receivers,
			"isAtAll":   false,
		},
	}

	webhook := n.WebhookURL
	if n.Secret != "" {
		timestamp := time.Now().UnixNano() / 1e6
		webhook = fmt.Sprintf("%s&timestamp=%d&sign=%s", webhook, timestamp, url.QueryEscape(n.genSign(timestamp)))
	}

	if _, err := postJSON(ctx, webhook, message); err != nil {
		return fmt.Errorf("dingtalk robot: %w", err)
	}
	return nil
}

// genSign 生成钉钉签名
func (n *DingTalkNotifier) genSign(timestamp int64) string {
	if n.Secret == "" {
		return ""
	}

	stringToSign := fmt.Sprintf("%d\n%s", timestamp, n.Secret)
	h := hmac.New(sha256.New, []byte(n.Secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Channel 渠道名称
func (n *WeChatNotifier) Channel() string { return ChannelWeComRobot }

// Send 发送企业微信 Markdown 消息
func (n *WeChatNotifier) Send(ctx context.Context, msg *Message) error {
	message := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]interface{}{
			"content": fmt.Sprintf("## %s\n\n%s", msg.Title, msg.Content),
		},
	}

	if _, err := postJSON(ctx, n.WebhookURL, message); err != nil {
		return fmt.Errorf("wecom robot: %w", err)
	}
	return nil
}

// postJSON 发送 webhook 请求，非 200 视为失败
func postJSON(ctx context.Context, webhook string, message map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal message failed: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := robotHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		errorMsg := fmt.Sprintf("non-200 status: %d", resp.StatusCode)
		if len(respBody) > 0 {
			errorMsg += fmt.Sprintf(", response: %s", string(respBody))
		}
		return nil, fmt.Errorf("%s", errorMsg)
	}
	return respBody, nil
}
