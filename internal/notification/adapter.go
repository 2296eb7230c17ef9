package notification

import (
	"fmt"
	"html"
	"strings"
)

// Line 消息中的一行字段
type Line struct {
	Name  string
	Value string
}

// Payload 待渲染的通知内容
type Payload struct {
	Title     string
	Lines     []Line
	Link      string
	Receivers []string
}

// Render 按渠道渲染消息：邮件用 HTML，群机器人带 @ 提醒，短信合并标题与正文
func Render(channel string, p *Payload) *Message {
	msg := &Message{
		Channel:   channel,
		Title:     p.Title,
		Receivers: p.Receivers,
	}

	switch channel {
	case ChannelMail:
		msg.Content = renderHTML(p)
	case ChannelSMS:
		msg.Title = ""
		msg.Content = renderSMS(p)
	case ChannelVoice:
		msg.Content = p.Title
	case ChannelWeComRobot:
		msg.Content = renderMarkdown(p, func(user string) string { return "<@" + user + ">" })
	case ChannelFeishuRobot:
		msg.Content = renderMarkdown(p, func(user string) string { return fmt.Sprintf("<at id=%s></at>", user) })
	case ChannelDingTalkRobot:
		msg.Content = renderMarkdown(p, func(user string) string { return "@" + user })
	default:
		msg.Content = renderText(p)
	}
	return msg
}

func renderHTML(p *Payload) string {
	var b strings.Builder
	b.WriteString("<table>")
	for _, line := range p.Lines {
		fmt.Fprintf(&b, "<tr><td><b>%s</b></td><td>%s</td></tr>", html.EscapeString(line.Name), html.EscapeString(line.Value))
	}
	b.WriteString("</table>")
	if p.Link != "" {
		fmt.Fprintf(&b, `<p><a href="%s">查看详情</a></p>`, html.EscapeString(p.Link))
	}
	return b.String()
}

func renderSMS(p *Payload) string {
	parts := make([]string, 0, len(p.Lines))
	for _, line := range p.Lines {
		parts = append(parts, line.Name+":"+line.Value)
	}
	content := "【DBM】" + p.Title
	if len(parts) > 0 {
		content += "，" + strings.Join(parts, "，")
	}
	return content
}

func renderMarkdown(p *Payload, mention func(string) string) string {
	var b strings.Builder
	for _, line := range p.Lines {
		fmt.Fprintf(&b, "**%s**: %s\n", line.Name, line.Value)
	}
	if p.Link != "" {
		fmt.Fprintf(&b, "[查看详情](%s)\n", p.Link)
	}
	if len(p.Receivers) > 0 {
		mentions := make([]string, 0, len(p.Receivers))
		for _, user := range p.Receivers {
			mentions = append(mentions, mention(user))
		}
		b.WriteString(strings.Join(mentions, " "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderText(p *Payload) string {
	lines := make([]string, 0, len(p.Lines)+1)
	for _, line := range p.Lines {
		lines = append(lines, line.Name+": "+line.Value)
	}
	if p.Link != "" {
		lines = append(lines, p.Link)
	}
	return strings.Join(lines, "\n")
}
