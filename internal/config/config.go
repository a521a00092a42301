package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Rules         RulesConfig         `yaml:"rules"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Bus           BusConfig           `yaml:"bus"`
	Notifications Notifications       `yaml:"notifications"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Web           WebConfig           `yaml:"web"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ElasticsearchConfig struct {
	Addresses        []string `yaml:"addresses"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	CloudID          string   `yaml:"cloudId"`
	APIKey           string   `yaml:"apiKey"`
	TLSSkipVerify    bool     `yaml:"tlsSkipVerify"`
	RequestTimeout   string   `yaml:"requestTimeout"`
	Provider         string   `yaml:"provider"` // elasticsearch | opensearch
	SkipProductCheck bool     `yaml:"skipProductCheck"`
	Indices          Indices  `yaml:"indices"`
	TimestampField   string   `yaml:"timestampField"`
}

// Indices 遥测数据所在的索引模式
type Indices struct {
	All     string `yaml:"all"`     // 规则评估查询的索引，如 logs-iot-*
	Sensors string `yaml:"sensors"` // 传感器数据索引，如 logs-iot-sensors-*
	Alerts  string `yaml:"alerts"`  // 设备自身上报的告警索引，如 logs-iot-alerts-*
}

func (e ElasticsearchConfig) GetRequestTimeout() time.Duration {
	return parseDuration(e.RequestTimeout, 30*time.Second)
}

type SchedulerConfig struct {
	Timezone           string `yaml:"timezone"`
	EvaluationInterval string `yaml:"evaluationInterval"`
	StatsInterval      string `yaml:"statsInterval"`
	Workers            int    `yaml:"workers"`
	TickTimeout        string `yaml:"tickTimeout"`
}

func (s SchedulerConfig) GetEvaluationInterval() time.Duration {
	return parseDuration(s.EvaluationInterval, 10*time.Second)
}

func (s SchedulerConfig) GetStatsInterval() time.Duration {
	return parseDuration(s.StatsInterval, 5*time.Second)
}

func (s SchedulerConfig) GetTickTimeout() time.Duration {
	return parseDuration(s.TickTimeout, 30*time.Second)
}

// Location 解析时区，失败时退回本地时区
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type RulesConfig struct {
	// Directory 中的 *.yaml 规则会在启动时同步进规则库
	Directory       string `yaml:"directory"`
	Watch           bool   `yaml:"watch"`
	SampleSize      int    `yaml:"sampleSize"`
	MaxPoints       int    `yaml:"maxPoints"`
	DefaultCooldown string `yaml:"defaultCooldown"`
	// SeedCooldowns 启动时用 last_triggered_at 恢复冷却状态
	SeedCooldowns bool `yaml:"seedCooldowns"`
}

func (r RulesConfig) GetDefaultCooldown() time.Duration {
	return parseDuration(r.DefaultCooldown, 5*time.Minute)
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // memory | postgres | mysql | sqlite3
	DSN             string `yaml:"dsn"`
	Migrate         bool   `yaml:"migrate"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
}

func (d DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return parseDuration(d.ConnMaxLifetime, 5*time.Minute)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	StatsTTL string `yaml:"statsTTL"`
}

func (r RedisConfig) GetStatsTTL(def time.Duration) time.Duration {
	return parseDuration(r.StatsTTL, def)
}

type BusConfig struct {
	Provider    string   `yaml:"provider"` // none | nats | kafka
	URL         string   `yaml:"url"`
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topicPrefix"`
}

type Notifications struct {
	Timeout string        `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
	Webhook WebhookConfig `yaml:"webhook"`
	Slack   ChatConfig    `yaml:"slack"`
	Discord ChatConfig    `yaml:"discord"`
	Email   EmailConfig   `yaml:"email"`
}

// GetTimeout 单个渠道的硬超时，覆盖该渠道全部重试
func (n Notifications) GetTimeout() time.Duration {
	return parseDuration(n.Timeout, 5*time.Second)
}

type RetryConfig struct {
	MaxRetries     *int   `yaml:"maxRetries"`
	InitialBackoff string `yaml:"initialBackoff"`
	MaxBackoff     string `yaml:"maxBackoff"`
}

func (r RetryConfig) GetMaxRetries() int {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		return 2
	}
	return *r.MaxRetries
}

func (r RetryConfig) GetInitialBackoff() time.Duration {
	return parseDuration(r.InitialBackoff, 200*time.Millisecond)
}

func (r RetryConfig) GetMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, 2*time.Second)
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
}

type ChatConfig struct {
	Webhook  string `yaml:"webhook"`
	Username string `yaml:"username"`
}

type EmailConfig struct {
	Provider      string   `yaml:"provider"` // smtp | ses | resend
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	From          string   `yaml:"from"`
	To            []string `yaml:"to"`
	UseTLS        bool     `yaml:"useTLS"`
	TLSSkipVerify bool     `yaml:"tlsSkipVerify"`
	SubjectPrefix string   `yaml:"subjectPrefix"`
	Region        string   `yaml:"region"`
	APIKey        string   `yaml:"apiKey"`
}

type RealtimeConfig struct {
	SendBuffer   int    `yaml:"sendBuffer"`
	WriteTimeout string `yaml:"writeTimeout"`
	RecentLimit  int    `yaml:"recentLimit"`
	MaxRecent    int    `yaml:"maxRecent"`
}

func (r RealtimeConfig) GetWriteTimeout() time.Duration {
	return parseDuration(r.WriteTimeout, 10*time.Second)
}

// WebConfig 控制内置 HTTP 服务（规则管理 API、实时推送、指标）
type WebConfig struct {
	Enabled bool     `yaml:"enabled"` // 是否开启 Web 服务
	Listen  string   `yaml:"listen"`  // 监听地址，如 ":8080"
	BaseURL string   `yaml:"baseURL"` // 对外访问的基础地址，用于在通知中生成跳转链接
	APIKeys []APIKey `yaml:"apiKeys"`
}

// APIKey 访问密钥及其角色：viewer / editor / admin
type APIKey struct {
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

// LoggingConfig 控制日志级别与格式
type LoggingConfig struct {
	// Level 支持 DEBUG / INFO / WARN / ERROR（大小写不敏感），默认 INFO。
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rules.SampleSize <= 0 {
		cfg.Rules.SampleSize = 5
	}
	if cfg.Rules.MaxPoints <= 0 {
		cfg.Rules.MaxPoints = 1000
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Local"
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Elasticsearch.Provider == "" {
		cfg.Elasticsearch.Provider = "elasticsearch"
	}
	if cfg.Elasticsearch.TimestampField == "" {
		cfg.Elasticsearch.TimestampField = "@timestamp"
	}
	if cfg.Elasticsearch.Indices.All == "" {
		cfg.Elasticsearch.Indices.All = "logs-iot-*"
	}
	if cfg.Elasticsearch.Indices.Sensors == "" {
		cfg.Elasticsearch.Indices.Sensors = "logs-iot-sensors-*"
	}
	if cfg.Elasticsearch.Indices.Alerts == "" {
		cfg.Elasticsearch.Indices.Alerts = "logs-iot-alerts-*"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Bus.Provider == "" {
		cfg.Bus.Provider = "none"
	}
	if cfg.Bus.TopicPrefix == "" {
		cfg.Bus.TopicPrefix = "telemetry-alert."
	}
	if cfg.Notifications.Email.Provider == "" {
		cfg.Notifications.Email.Provider = "smtp"
	}
	if cfg.Notifications.Email.Port == 0 {
		cfg.Notifications.Email.Port = 587
	}
	if cfg.Notifications.Webhook.Method == "" {
		cfg.Notifications.Webhook.Method = "POST"
	}
	if cfg.Realtime.SendBuffer <= 0 {
		cfg.Realtime.SendBuffer = 16
	}
	if cfg.Realtime.RecentLimit <= 0 {
		cfg.Realtime.RecentLimit = 10
	}
	if cfg.Realtime.MaxRecent <= 0 {
		cfg.Realtime.MaxRecent = 100
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// 环境变量优先级高于配置文件
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ALERT_API_KEY"); v != "" {
		cfg.Web.APIKeys = append(cfg.Web.APIKeys, APIKey{Key: v, Role: "admin"})
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
