package notification

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

// 邮件正文最多列出的样本条数
const maxEmailSamples = 5

type EmailNotifier struct {
	From          string
	To            []string
	SubjectPrefix string
	Transport     MailTransport
}

func (e *EmailNotifier) Channel() rule.Channel { return rule.ChannelEmail }

func (e *EmailNotifier) Send(ctx context.Context, msg Message) error {
	to := e.To
	if t := strings.TrimSpace(msg.Target); t != "" {
		to = splitRecipients(t)
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients configured for rule %s", msg.Rule.Name)
	}
	return e.Transport.Send(ctx, Mail{
		From:    e.From,
		To:      to,
		Subject: emailSubject(e.SubjectPrefix, msg),
		Text:    emailText(msg),
		HTML:    emailHTML(msg),
	})
}

func splitRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func emailSubject(prefix string, msg Message) string {
	subject := fmt.Sprintf("🚨 [%s] %s", strings.ToUpper(string(msg.Event.Severity)), msg.Event.RuleName)
	if prefix != "" {
		subject = prefix + " " + subject
	}
	return subject
}

func sampleValue(r telemetry.Record) string {
	if r.Value == nil {
		return "N/A"
	}
	v := fmt.Sprint(r.Value)
	if r.Unit != "" {
		v += " " + r.Unit
	}
	return v
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func emailText(msg Message) string {
	ev := msg.Event
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 ALERT [%s]\n%s\n\n", strings.ToUpper(string(ev.Severity)), strings.Repeat("=", 50))
	fmt.Fprintf(&b, "Rule: %s\n", ev.RuleName)
	fmt.Fprintf(&b, "Description: %s\n\n", orNA(msg.Rule.Description))
	fmt.Fprintf(&b, "Events detected: %d\n", ev.MatchedCount)
	if ev.Aggregate.Average != nil {
		fmt.Fprintf(&b, "Average value: %.2f\n", *ev.Aggregate.Average)
	}
	if len(ev.Aggregate.Zones) > 0 {
		fmt.Fprintf(&b, "Zones affected: %s\n", strings.Join(ev.Aggregate.Zones, ", "))
	}
	fmt.Fprintf(&b, "\nFirst %d events:\n%s\n", maxEmailSamples, strings.Repeat("-", 40))
	for i, s := range ev.Samples {
		if i == maxEmailSamples {
			break
		}
		fmt.Fprintf(&b, "  [%s] Zone %s | %s: %s\n", s.Timestamp.Format(time.RFC3339), orNA(s.Zone), orNA(s.SensorType), sampleValue(s))
	}
	if ev.MatchedCount > maxEmailSamples {
		fmt.Fprintf(&b, "  ... and %d more events\n", ev.MatchedCount-maxEmailSamples)
	}
	fmt.Fprintf(&b, "\n%s\nTriggered at: %s\n", strings.Repeat("-", 40), ev.TriggeredAt.Format("2006-01-02 15:04:05"))
	return b.String()
}

func emailHTML(msg Message) string {
	ev := msg.Event
	color := hexColor(ev.Severity)

	var stats strings.Builder
	fmt.Fprintf(&stats, `<div class="stat"><div class="value">%d</div><div class="label">Events detected</div></div>`, ev.MatchedCount)
	if ev.Aggregate.Average != nil {
		fmt.Fprintf(&stats, `<div class="stat"><div class="value">%.2f</div><div class="label">Average value</div></div>`, *ev.Aggregate.Average)
	}
	zones := ""
	if n := len(ev.Aggregate.Zones); n > 0 {
		fmt.Fprintf(&stats, `<div class="stat"><div class="value">%d</div><div class="label">Zones affected</div></div>`, n)
		zones = "<p><strong>Zones:</strong> " + html.EscapeString(strings.Join(ev.Aggregate.Zones, ", ")) + "</p>"
	}

	var rows strings.Builder
	for i, s := range ev.Samples {
		if i == maxEmailSamples {
			break
		}
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			s.Timestamp.Format(time.RFC3339),
			html.EscapeString(orNA(s.Zone)),
			html.EscapeString(orNA(s.SensorType)),
			html.EscapeString(sampleValue(s)))
	}
	more := ""
	if ev.MatchedCount > maxEmailSamples {
		more = fmt.Sprintf(`<p class="more">... and %d more events</p>`, ev.MatchedCount-maxEmailSamples)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>%s</title>
  <style>
    body { font-family: -apple-system,BlinkMacSystemFont,Segoe UI,Roboto,Helvetica,Arial,sans-serif; margin: 20px; color: #333; }
    .header { background: %s; color: white; padding: 16px 20px; border-radius: 8px 8px 0 0; }
    .content { background: #f8f9fa; padding: 16px 20px; border-radius: 0 0 8px 8px; }
    .stat { display: inline-block; margin-right: 30px; }
    .value { font-size: 24px; font-weight: bold; color: %s; }
    .label { font-size: 12px; color: #666; }
    table { width: 100%%; border-collapse: collapse; margin-top: 12px; }
    th, td { padding: 8px; text-align: left; border-bottom: 1px solid #ddd; }
    .more { font-style: italic; color: #666; }
  </style>
</head>
<body>
  <div class="header"><h2>🚨 %s</h2><strong>%s</strong></div>
  <div class="content">
    <p>%s</p>
    <div>%s</div>
    %s
    <table>
      <thead><tr><th>Timestamp</th><th>Zone</th><th>Type</th><th>Value</th></tr></thead>
      <tbody>
%s      </tbody>
    </table>
    %s
    <p class="label">Triggered at %s</p>
  </div>
</body>
</html>
`,
		html.EscapeString(ev.RuleName), color, color,
		html.EscapeString(ev.RuleName), strings.ToUpper(string(ev.Severity)),
		markdownToHTML(msg.Rule.Description),
		stats.String(), zones, rows.String(), more,
		ev.TriggeredAt.Format("2006-01-02 15:04:05"))
}

// markdownToHTML 将非常简单的 Markdown（**加粗**、\n 换行）转换为 HTML 片段，用于规则描述
func markdownToHTML(s string) string {
	var b strings.Builder
	inBold := false
	for i := 0; i < len(s); {
		if i+1 < len(s) && s[i] == '*' && s[i+1] == '*' {
			if inBold {
				b.WriteString("</strong>")
			} else {
				b.WriteString("<strong>")
			}
			inBold = !inBold
			i += 2
			continue
		}
		switch ch := s[i]; ch {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&#34;")
		case '\n':
			b.WriteString("<br>")
		default:
			b.WriteByte(ch)
		}
		i++
	}
	if inBold {
		b.WriteString("</strong>")
	}
	return b.String()
}
