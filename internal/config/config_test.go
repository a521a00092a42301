package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("elasticsearch:\n  addresses: [\"http://localhost:9200\"]\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Scheduler.GetEvaluationInterval() != 10*time.Second {
		t.Errorf("evaluation interval = %v, want 10s", cfg.Scheduler.GetEvaluationInterval())
	}
	if cfg.Scheduler.GetStatsInterval() != 5*time.Second {
		t.Errorf("stats interval = %v, want 5s", cfg.Scheduler.GetStatsInterval())
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Rules.GetDefaultCooldown() != 5*time.Minute {
		t.Errorf("default cooldown = %v, want 5m", cfg.Rules.GetDefaultCooldown())
	}
	if cfg.Notifications.Retry.GetMaxRetries() != 2 {
		t.Errorf("max retries = %d, want 2", cfg.Notifications.Retry.GetMaxRetries())
	}
	if cfg.Elasticsearch.Indices.All != "logs-iot-*" {
		t.Errorf("indices.all = %q", cfg.Elasticsearch.Indices.All)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("database driver = %q, want memory", cfg.Database.Driver)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALERT_API_KEY", "secret")

	raw := `
scheduler:
  evaluationInterval: 30s
  workers: 8
notifications:
  timeout: 2s
  retry:
    maxRetries: 0
logging:
  level: INFO
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Scheduler.GetEvaluationInterval() != 30*time.Second {
		t.Errorf("evaluation interval = %v, want 30s", cfg.Scheduler.GetEvaluationInterval())
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Notifications.GetTimeout() != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", cfg.Notifications.GetTimeout())
	}
	if cfg.Notifications.Retry.GetMaxRetries() != 0 {
		t.Errorf("max retries = %d, want 0", cfg.Notifications.Retry.GetMaxRetries())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want env override", cfg.Logging.Level)
	}
	if len(cfg.Web.APIKeys) != 1 || cfg.Web.APIKeys[0].Role != "admin" {
		t.Errorf("api keys = %+v", cfg.Web.APIKeys)
	}
}

func TestParseInvalidDurationFallsBack(t *testing.T) {
	cfg, err := Parse([]byte("scheduler:\n  statsInterval: soon\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.Scheduler.GetStatsInterval(); got != 5*time.Second {
		t.Errorf("stats interval = %v, want fallback 5s", got)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("scheduler: [")); err == nil {
		t.Fatal("Parse() error = nil, want error")
	}
}
