package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/config"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/rule"
)

// Message is what a notifier formats for its channel.
// Target overrides the notifier's configured destination when set.
type Message struct {
	Rule   rule.AlertRule
	Event  alert.Event
	Target string
}

type Notifier interface {
	Channel() rule.Channel
	Send(ctx context.Context, msg Message) error
}

// BuildNotifiers 按配置构造各渠道通知器。
// webhook / slack / discord 总是可用（规则可自带目标地址）；email 需要可用的发信通道。
func BuildNotifiers(ctx context.Context, cfg config.Notifications) (map[rule.Channel]Notifier, error) {
	client := &http.Client{}
	notifiers := map[rule.Channel]Notifier{
		rule.ChannelWebhook: &WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Method:  cfg.Webhook.Method,
			Headers: cfg.Webhook.Headers,
			Client:  client,
		},
		rule.ChannelSlack:   &SlackNotifier{Webhook: cfg.Slack.Webhook, Username: cfg.Slack.Username, Client: client},
		rule.ChannelDiscord: &DiscordNotifier{Webhook: cfg.Discord.Webhook, Username: cfg.Discord.Username, Client: client},
	}

	transport, err := NewMailTransport(ctx, cfg.Email)
	if err != nil {
		return nil, err
	}
	if transport != nil {
		notifiers[rule.ChannelEmail] = &EmailNotifier{
			From:          cfg.Email.From,
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.SubjectPrefix,
			Transport:     transport,
		}
		logging.Infof("email notifications via %s", cfg.Email.Provider)
	} else {
		logging.Warnf("email transport not configured, email channel disabled")
	}
	return notifiers, nil
}

// target returns the override when present, otherwise the default.
func target(msg Message, def string) (string, error) {
	if t := strings.TrimSpace(msg.Target); t != "" {
		return t, nil
	}
	if def == "" {
		return "", fmt.Errorf("no destination configured for rule %s", msg.Rule.Name)
	}
	return def, nil
}
