package notification

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemetry-alert/internal/rule"
)

const footer = "Telemetry Alerting"

// 严重级别对应的颜色，Slack 用十六进制字符串，Discord 用整数
var severityColors = map[rule.Severity]int{
	rule.SeverityLow:      0x17a2b8,
	rule.SeverityMedium:   0xffc107,
	rule.SeverityHigh:     0xfd7e14,
	rule.SeverityCritical: 0xdc3545,
}

const defaultColor = 0x6c757d

var severityEmoji = map[rule.Severity]string{
	rule.SeverityLow:      "📘",
	rule.SeverityMedium:   "⚠️",
	rule.SeverityHigh:     "🔶",
	rule.SeverityCritical: "🚨",
}

func colorOf(s rule.Severity) int {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return defaultColor
}

func hexColor(s rule.Severity) string { return fmt.Sprintf("#%06x", colorOf(s)) }

// Slack
type SlackNotifier struct {
	Webhook  string
	Username string
	Client   *http.Client
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts"`
}

type slackPayload struct {
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackNotifier) Channel() rule.Channel { return rule.ChannelSlack }

func (s *SlackNotifier) Send(ctx context.Context, msg Message) error {
	dest, err := target(msg, s.Webhook)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.Client, dest, slackMessage(msg, s.Username), func(code int) bool { return code == http.StatusOK })
}

func slackMessage(msg Message, username string) slackPayload {
	ev := msg.Event
	emoji, ok := severityEmoji[ev.Severity]
	if !ok {
		emoji = "📢"
	}
	att := slackAttachment{
		Color: hexColor(ev.Severity),
		Title: emoji + " " + ev.RuleName,
		Text:  msg.Rule.Description,
		Fields: []slackField{
			{Title: "Severity", Value: strings.ToUpper(string(ev.Severity)), Short: true},
			{Title: "Events", Value: strconv.Itoa(ev.MatchedCount), Short: true},
		},
		Footer: footer,
		TS:     ev.TriggeredAt.Unix(),
	}
	if len(ev.Aggregate.Zones) > 0 {
		att.Fields = append(att.Fields, slackField{Title: "Zones", Value: strings.Join(ev.Aggregate.Zones, ", ")})
	}
	if ev.Aggregate.Average != nil {
		att.Fields = append(att.Fields, slackField{Title: "Average value", Value: fmt.Sprintf("%.2f", *ev.Aggregate.Average), Short: true})
	}
	return slackPayload{Username: username, Attachments: []slackAttachment{att}}
}

// Discord
type DiscordNotifier struct {
	Webhook  string
	Username string
	Client   *http.Client
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *DiscordNotifier) Channel() rule.Channel { return rule.ChannelDiscord }

func (d *DiscordNotifier) Send(ctx context.Context, msg Message) error {
	dest, err := target(msg, d.Webhook)
	if err != nil {
		return err
	}
	ok := func(code int) bool { return code == http.StatusOK || code == http.StatusNoContent }
	return postJSON(ctx, d.Client, dest, discordMessage(msg, d.Username), ok)
}

func discordMessage(msg Message, username string) discordPayload {
	ev := msg.Event
	e := discordEmbed{
		Title:       "🚨 " + ev.RuleName,
		Description: msg.Rule.Description,
		Color:       colorOf(ev.Severity),
		Fields: []discordField{
			{Name: "Severity", Value: strings.ToUpper(string(ev.Severity)), Inline: true},
			{Name: "Events", Value: strconv.Itoa(ev.MatchedCount), Inline: true},
		},
		Timestamp: ev.TriggeredAt.Format(time.RFC3339),
	}
	e.Footer.Text = footer
	if len(ev.Aggregate.Zones) > 0 {
		e.Fields = append(e.Fields, discordField{Name: "Zones affected", Value: strings.Join(ev.Aggregate.Zones, ", ")})
	}
	if ev.Aggregate.Average != nil {
		e.Fields = append(e.Fields, discordField{Name: "Average value", Value: fmt.Sprintf("%.2f", *ev.Aggregate.Average), Inline: true})
	}
	return discordPayload{Username: username, Embeds: []discordEmbed{e}}
}
