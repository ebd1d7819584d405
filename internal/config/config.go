package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Automation AutomationConfig `mapstructure:"automation"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Admin      AdminConfig      `mapstructure:"admin"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type ClickHouseConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	DatabaseConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type AutomationConfig struct {
	WebhookURL       string          `mapstructure:"webhook_url"`
	Secret           string          `mapstructure:"secret"`
	Timeout          time.Duration   `mapstructure:"timeout"`
	Backoff          []time.Duration `mapstructure:"backoff"`
	Jitter           float64         `mapstructure:"jitter"`
	MisconfigRetry   time.Duration   `mapstructure:"misconfig_retry"`
	SnippetLimit     int             `mapstructure:"snippet_limit"`
	InboundTolerance time.Duration   `mapstructure:"inbound_tolerance"`
	Breaker          BreakerConfig   `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type QueueConfig struct {
	Backend        string        `mapstructure:"backend"` // redis | memory
	Key            string        `mapstructure:"key"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Workers        int           `mapstructure:"workers"`
	EmbeddedWorker bool          `mapstructure:"embedded_worker"`
}

type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
}

type AlertsConfig struct {
	DedupeWindow   time.Duration `mapstructure:"dedupe_window"`
	MisconfigEvery time.Duration `mapstructure:"misconfig_every"`
}

type WatcherConfig struct {
	Enabled    bool                     `mapstructure:"enabled"`
	Interval   time.Duration            `mapstructure:"interval"`
	Bucket     time.Duration            `mapstructure:"bucket"`
	BatchSize  int                      `mapstructure:"batch_size"`
	Thresholds map[string]time.Duration `mapstructure:"thresholds"`
}

type AdminConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (FASKET_*).
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

	// env override (FASKET_AUTOMATION_WEBHOOK_URL, ...)
	v.SetEnvPrefix("FASKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	// watcher statuses are matched against upper-case order statuses
	cfg.Watcher.Thresholds = upperKeys(cfg.Watcher.Thresholds)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
// An empty webhook URL or secret is allowed: the worker treats it as a configuration fault.
func (c Config) Validate() error {
	var errs []error
	a := c.Automation
	if a.Timeout <= 0 {
		errs = append(errs, errors.New("automation.timeout must be positive"))
	}
	if len(a.Backoff) == 0 {
		errs = append(errs, errors.New("automation.backoff must not be empty"))
	}
	for i, d := range a.Backoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("automation.backoff[%d] must be positive", i))
		}
	}
	if a.Jitter < 0 || a.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("automation.jitter %.2f out of [0,1)", a.Jitter))
	}
	if a.MisconfigRetry <= 0 {
		errs = append(errs, errors.New("automation.misconfig_retry must be positive"))
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q: want redis or memory", c.Queue.Backend))
	}
	if c.Watcher.Bucket <= 0 {
		errs = append(errs, errors.New("watcher.bucket must be positive"))
	}
	return errors.Join(errs...)
}

// WebhookConfigured reports whether deliveries can be signed and sent.
func (a AutomationConfig) WebhookConfigured() bool {
	return strings.TrimSpace(a.WebhookURL) != "" && a.Secret != ""
}

func upperKeys(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}
