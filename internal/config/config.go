package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	BatchTopic     string   `mapstructure:"batch_topic"`
	DeadTopic      string   `mapstructure:"dead_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type DispatchConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`   // messages per batch job
	WorkerCount int           `mapstructure:"worker_count"` // concurrent batch processors
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// RateLimitConfig holds both admission scopes: the gateway account budget
// shared across tenants, and the per-tenant budget.
type RateLimitConfig struct {
	AccountName   string        `mapstructure:"account_name"`
	AccountMax    int           `mapstructure:"account_max"`
	AccountWindow time.Duration `mapstructure:"account_window"`
	TenantMax     int           `mapstructure:"tenant_max"`
	TenantWindow  time.Duration `mapstructure:"tenant_window"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"`
}

type GatewayConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WebhookToken string `mapstructure:"webhook_token"` // shared secret on inbound delivery reports

	BulkPath   string        `mapstructure:"bulk_path"`
	StatusPath string        `mapstructure:"status_path"`
	APIKey     string        `mapstructure:"api_key"`
	Sender     string        `mapstructure:"sender"`
	TimeoutMs  int           `mapstructure:"timeout_ms"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type ReconcilerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Grace        time.Duration `mapstructure:"grace"`      // only poll sent messages older than this
	BatchSize    int           `mapstructure:"batch_size"` // max messages polled per tick
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CAMPD_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (CAMPD_*)
	v.SetEnvPrefix("CAMPD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
