// Package config loads the reconciler's configuration from an optional YAML
// file overlaid with PAYRECON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/payment-reconciler/internal/policy"
)

// EnvPrefix prefixes every environment override, e.g. PAYRECON_SERVER_ADDR.
const EnvPrefix = "PAYRECON"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Router    RouterConfig    `mapstructure:"router"`
	Refund    RefundConfig    `mapstructure:"refund"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Booking   BookingConfig   `mapstructure:"booking"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes caps request and webhook bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Stdout      bool   `mapstructure:"stdout"`
	Disabled    bool   `mapstructure:"disabled"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the store. An empty DSN uses the in-memory store.
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// RedisConfig enables the webhook dedupe fast path when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	MarkerTTL time.Duration `mapstructure:"marker_ttl"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	Encoding string   `mapstructure:"encoding"`
}

// RabbitMQConfig routes notifications through a queue when URL is set;
// otherwise they are logged.
type RabbitMQConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type ProvidersConfig struct {
	FedaPay FedaPayConfig `mapstructure:"fedapay"`
	MTNMoMo MTNMoMoConfig `mapstructure:"mtn_momo"`
	Moov    MoovConfig    `mapstructure:"moov_money"`
	// Mock registers an in-process provider named "mock" for local runs.
	Mock bool `mapstructure:"mock"`
}

type FedaPayConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	CallbackURL   string `mapstructure:"callback_url"`
	Country       string `mapstructure:"country"`
}

type MTNMoMoConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BaseURL           string `mapstructure:"base_url"`
	SubscriptionKey   string `mapstructure:"subscription_key"`
	APIUser           string `mapstructure:"api_user"`
	APIKey            string `mapstructure:"api_key"`
	TargetEnvironment string `mapstructure:"target_environment"`
	CallbackURL       string `mapstructure:"callback_url"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	PayerMessage      string `mapstructure:"payer_message"`
	PayeeNote         string `mapstructure:"payee_note"`
}

type MoovConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	CallbackURL   string `mapstructure:"callback_url"`
}

type RouterConfig struct {
	MaxAttempts      uint          `mapstructure:"max_attempts"`
	InitialInterval  time.Duration `mapstructure:"initial_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

type RefundConfig struct {
	Window time.Duration       `mapstructure:"window"`
	Rules  []policy.PolicyRule `mapstructure:"rules"`
}

type SweeperConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"`
	MaxPendingAge      time.Duration `mapstructure:"max_pending_age"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
}

type NotifyConfig struct {
	Workers     int  `mapstructure:"workers"`
	QueueSize   int  `mapstructure:"queue_size"`
	MaxAttempts uint `mapstructure:"max_attempts"`
}

// BookingConfig points at the booking service. An empty BaseURL disables
// the mark-paid call.
type BookingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SecretsConfig names an AWS Secrets Manager secret whose JSON object
// overrides provider credentials.
type SecretsConfig struct {
	AWSSecretID string `mapstructure:"aws_secret_id"`
	AWSRegion   string `mapstructure:"aws_region"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.stdout", false)
	v.SetDefault("tracing.disabled", false)
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.marker_ttl", 7*24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "payment.transactions")
	v.SetDefault("kafka.encoding", "json")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.queue", "payment.notifications")

	v.SetDefault("providers.mock", false)
	for _, p := range []string{"fedapay", "mtn_momo", "moov_money"} {
		v.SetDefault("providers."+p+".enabled", false)
		v.SetDefault("providers."+p+".base_url", "")
		v.SetDefault("providers."+p+".api_key", "")
		v.SetDefault("providers."+p+".webhook_secret", "")
		v.SetDefault("providers."+p+".callback_url", "")
	}
	v.SetDefault("providers.fedapay.country", "bj")
	v.SetDefault("providers.mtn_momo.subscription_key", "")
	v.SetDefault("providers.mtn_momo.api_user", "")
	v.SetDefault("providers.mtn_momo.target_environment", "sandbox")

	v.SetDefault("router.max_attempts", 3)
	v.SetDefault("router.initial_interval", 200*time.Millisecond)
	v.SetDefault("router.max_interval", 2*time.Second)
	v.SetDefault("router.breaker_threshold", 3)
	v.SetDefault("router.breaker_reset", 30*time.Second)
	v.SetDefault("router.http_timeout", 15*time.Second)

	v.SetDefault("refund.window", 72*time.Hour)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 5*time.Minute)
	v.SetDefault("sweeper.freshness_threshold", 2*time.Minute)
	v.SetDefault("sweeper.max_pending_age", 24*time.Hour)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.concurrency", 8)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.max_attempts", 5)

	v.SetDefault("booking.base_url", "")
	v.SetDefault("booking.api_key", "")
	v.SetDefault("booking.timeout", 10*time.Second)

	v.SetDefault("secrets.aws_secret_id", "")
	v.SetDefault("secrets.aws_region", "")
}

// Load reads path (if not empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Sweeper.MaxPendingAge <= c.Sweeper.FreshnessThreshold {
		errs = append(errs, errors.New("sweeper.max_pending_age must exceed sweeper.freshness_threshold"))
	}
	if c.Refund.Window < 0 {
		errs = append(errs, errors.New("refund.window must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	switch c.Kafka.Encoding {
	case "json", "protobuf":
	default:
		errs = append(errs, fmt.Errorf("kafka.encoding %q must be json or protobuf", c.Kafka.Encoding))
	}
	if c.Providers.FedaPay.Enabled && c.Providers.FedaPay.APIKey == "" {
		errs = append(errs, errors.New("providers.fedapay.api_key is required"))
	}
	if c.Providers.MTNMoMo.Enabled && (c.Providers.MTNMoMo.SubscriptionKey == "" || c.Providers.MTNMoMo.APIUser == "") {
		errs = append(errs, errors.New("providers.mtn_momo.subscription_key and api_user are required"))
	}
	if c.Providers.Moov.Enabled && (c.Providers.Moov.APIKey == "" || c.Providers.Moov.BaseURL == "") {
		errs = append(errs, errors.New("providers.moov_money.api_key and base_url are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
