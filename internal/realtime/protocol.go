package realtime

import (
	"encoding/json"
	"time"

	"telemetry-alert/internal/telemetry"
)

// Outbound events.
const (
	EventConnection = "connection_response"
	EventStats      = "stats_update"
	EventNewLogs    = "new_logs"
	EventCritical   = "critical_alert"
	EventRecentLogs = "recent_logs"
	EventError      = "error"
)

// Inbound events.
const (
	EventSubscribe     = "subscribe_monitoring"
	EventUnsubscribe   = "unsubscribe_monitoring"
	EventRequestRecent = "request_recent_logs"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messageData struct {
	Message string `json:"message"`
}

type logsData struct {
	Count     int                `json:"count"`
	Logs      []telemetry.Record `json:"logs"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
}

// criticalData carries rule events (alert.Event) or device alerts
// (deviceAlert); HasRuleTriggers is set for the former.
type criticalData struct {
	Count           int       `json:"count"`
	Alerts          []any     `json:"alerts"`
	HasRuleTriggers bool      `json:"has_rule_triggers"`
	Timestamp       time.Time `json:"timestamp"`
}

const sourceElasticsearch = "elasticsearch"

type deviceAlert struct {
	telemetry.Record
	Source string `json:"source"`
}

type commandKind int

const (
	cmdInvalid commandKind = iota
	cmdSubscribe
	cmdUnsubscribe
	cmdRecent
)

type command struct {
	client *client
	kind   commandKind
	limit  int
	err    string
}

func parseCommand(c *client, raw []byte) command {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return command{client: c, err: "malformed message"}
	}
	switch in.Event {
	case EventSubscribe:
		return command{client: c, kind: cmdSubscribe}
	case EventUnsubscribe:
		return command{client: c, kind: cmdUnsubscribe}
	case EventRequestRecent:
		var p struct {
			Limit int `json:"limit"`
		}
		if len(in.Data) > 0 && string(in.Data) != "null" {
			if err := json.Unmarshal(in.Data, &p); err != nil {
				return command{client: c, err: "invalid request_recent_logs payload"}
			}
		}
		return command{client: c, kind: cmdRecent, limit: p.Limit}
	default:
		return command{client: c, err: "unknown event " + in.Event}
	}
}
