package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

// Webhook
type WebhookNotifier struct {
	URL     string
	Method  string
	Headers map[string]string
	Client  *http.Client
}

type webhookPayload struct {
	RuleID        string             `json:"rule_id"`
	RuleName      string             `json:"rule_name"`
	Severity      rule.Severity      `json:"severity"`
	MatchingCount int                `json:"matching_count"`
	AvgValue      *float64           `json:"avg_value"`
	ZonesAffected []string           `json:"zones_affected"`
	Timestamp     string             `json:"timestamp"`
	LogsSample    []telemetry.Record `json:"logs_sample"`
}

func (w *WebhookNotifier) Channel() rule.Channel { return rule.ChannelWebhook }

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	dest, err := target(msg, w.URL)
	if err != nil {
		return err
	}
	ev := msg.Event
	p := webhookPayload{
		RuleID:        ev.RuleID,
		RuleName:      ev.RuleName,
		Severity:      ev.Severity,
		MatchingCount: ev.MatchedCount,
		AvgValue:      ev.Aggregate.Average,
		ZonesAffected: ev.Aggregate.Zones,
		Timestamp:     ev.TriggeredAt.Format(time.RFC3339),
		LogsSample:    ev.Samples,
	}
	if p.ZonesAffected == nil {
		p.ZonesAffected = []string{}
	}
	if p.LogsSample == nil {
		p.LogsSample = []telemetry.Record{}
	}

	method := strings.ToUpper(w.Method)
	if method == "" {
		method = http.MethodPost
	}
	var req *http.Request
	if method == http.MethodGet {
		// GET 时把摘要字段放到 query 参数里
		u, err := url.Parse(dest)
		if err != nil {
			return err
		}
		q := u.Query()
		q.Set("rule_id", p.RuleID)
		q.Set("rule_name", p.RuleName)
		q.Set("severity", string(p.Severity))
		q.Set("matching_count", strconv.Itoa(p.MatchingCount))
		if p.AvgValue != nil {
			q.Set("avg_value", strconv.FormatFloat(*p.AvgValue, 'f', 2, 64))
		}
		q.Set("zones_affected", strings.Join(p.ZonesAffected, ","))
		q.Set("timestamp", p.Timestamp)
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return err
		}
	} else {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, dest, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	return do(w.Client, req, func(code int) bool { return code < 400 })
}

func postJSON(ctx context.Context, client *http.Client, dest string, payload any, ok func(int) bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, ok)
}

func do(client *http.Client, req *http.Request, ok func(int) bool) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, ok)
}
