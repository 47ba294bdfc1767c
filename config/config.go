package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	AES            AESConfig            `mapstructure:"aes"`
	Log            LogConfig            `mapstructure:"log"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Vending        VendingConfig        `mapstructure:"vending"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type AESConfig struct {
	Key string `mapstructure:"key"` // 32-byte hex-encoded key for AES-256
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CircuitBreakerConfig configures the breakers guarding outbound calls.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Gateway      BreakerConfig `mapstructure:"gateway"`
	Delivery     BreakerConfig `mapstructure:"delivery"`
	Notification BreakerConfig `mapstructure:"notification"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	FailureRatio        float64       `mapstructure:"failure_ratio"`
	MinRequests         uint32        `mapstructure:"min_requests"`
}

// VendingConfig holds the purchase pipeline settings.
type VendingConfig struct {
	NodeID       int64              `mapstructure:"node_id"` // snowflake node for refund/payment references
	Fees         FeeConfig          `mapstructure:"fees"`
	Limits       LimitConfig        `mapstructure:"limits"`
	Token        TokenConfig        `mapstructure:"token"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// FeeConfig values are decimal strings so that "0.01" stays exact.
type FeeConfig struct {
	FixedMinimumFee string `mapstructure:"fixed_minimum_fee"`
	FeeRate         string `mapstructure:"fee_rate"`
	VATRate         string `mapstructure:"vat_rate"`
	ServiceFee      string `mapstructure:"service_fee"`
}

type LimitConfig struct {
	MinAmount string `mapstructure:"min_amount"`
	MaxAmount string `mapstructure:"max_amount"`
}

type TokenConfig struct {
	Secret    string        `mapstructure:"secret"`
	VendorID  string        `mapstructure:"vendor_id"`
	Length    int           `mapstructure:"length"`
	GroupSize int           `mapstructure:"group_size"`
	Expiry    time.Duration `mapstructure:"expiry"`
}

type DeliveryConfig struct {
	Channel     string        `mapstructure:"channel"` // log, webhook
	WebhookURL  string        `mapstructure:"webhook_url"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

type SettlementConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Secret       string        `mapstructure:"secret"` // HMAC key for gateway callbacks
}

type GatewayConfig struct {
	SuccessRate float64       `mapstructure:"success_rate"`
	Latency     time.Duration `mapstructure:"latency"`
}

type NotificationConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FeeSchedule parses the decimal fee settings.
func (v VendingConfig) FeeSchedule() (fixedMinimumFee, feeRate, vatRate, serviceFee decimal.Decimal, err error) {
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"fixed_minimum_fee", v.Fees.FixedMinimumFee, &fixedMinimumFee},
		{"fee_rate", v.Fees.FeeRate, &feeRate},
		{"vat_rate", v.Fees.VATRate, &vatRate},
		{"service_fee", v.Fees.ServiceFee, &serviceFee},
	}
	for _, f := range fields {
		d, perr := decimal.NewFromString(f.raw)
		if perr != nil {
			return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parsing vending.fees.%s: %w", f.name, perr)
		}
		if d.IsNegative() {
			return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("vending.fees.%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return fixedMinimumFee, feeRate, vatRate, serviceFee, nil
}

// AmountLimits parses the purchase amount bounds.
func (v VendingConfig) AmountLimits() (min, max decimal.Decimal, err error) {
	min, err = decimal.NewFromString(v.Limits.MinAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parsing vending.limits.min_amount: %w", err)
	}
	max, err = decimal.NewFromString(v.Limits.MaxAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parsing vending.limits.max_amount: %w", err)
	}
	if max.LessThan(min) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("vending.limits.max_amount %s below min_amount %s", max, min)
	}
	return min, max, nil
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: VEND_.
// Nested keys use underscore: VEND_DATABASE_HOST, VEND_VENDING_FEES_FEE_RATE, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "electricity_vending")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "electricity-vending")
	v.SetDefault("aes.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("circuit_breaker.enabled", true)
	for _, name := range []string{"gateway", "delivery", "notification"} {
		v.SetDefault("circuit_breaker."+name+".max_requests", 1)
		v.SetDefault("circuit_breaker."+name+".interval", "60s")
		v.SetDefault("circuit_breaker."+name+".timeout", "30s")
		v.SetDefault("circuit_breaker."+name+".consecutive_failures", 5)
		v.SetDefault("circuit_breaker."+name+".failure_ratio", 0.5)
		v.SetDefault("circuit_breaker."+name+".min_requests", 10)
	}

	v.SetDefault("vending.node_id", 1)
	v.SetDefault("vending.fees.fixed_minimum_fee", "2.00")
	v.SetDefault("vending.fees.fee_rate", "0.01")
	v.SetDefault("vending.fees.vat_rate", "0.15")
	v.SetDefault("vending.fees.service_fee", "0.00")
	v.SetDefault("vending.limits.min_amount", "5.00")
	v.SetDefault("vending.limits.max_amount", "5000.00")
	v.SetDefault("vending.token.secret", "")
	v.SetDefault("vending.token.vendor_id", "VEND01")
	v.SetDefault("vending.token.length", 20)
	v.SetDefault("vending.token.group_size", 4)
	v.SetDefault("vending.token.expiry", "720h")
	v.SetDefault("vending.delivery.channel", "log")
	v.SetDefault("vending.delivery.webhook_url", "")
	v.SetDefault("vending.delivery.max_attempts", 3)
	v.SetDefault("vending.delivery.timeout", "10s")
	v.SetDefault("vending.delivery.lock_ttl", "30s")
	v.SetDefault("vending.settlement.workers", 4)
	v.SetDefault("vending.settlement.queue_size", 1024)
	v.SetDefault("vending.settlement.max_attempts", 3)
	v.SetDefault("vending.settlement.retry_backoff", "2s")
	v.SetDefault("vending.settlement.secret", "")
	v.SetDefault("vending.gateway.success_rate", 0.95)
	v.SetDefault("vending.gateway.latency", "200ms")
	v.SetDefault("vending.notification.url", "")
	v.SetDefault("vending.notification.secret", "")
	v.SetDefault("vending.notification.timeout", "10s")

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: VEND_DATABASE_HOST -> database.host
	v.SetEnvPrefix("VEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Vending.Delivery.MaxAttempts < 1 {
		return nil, fmt.Errorf("vending.delivery.max_attempts must be at least 1")
	}
	if _, _, _, _, err := cfg.Vending.FeeSchedule(); err != nil {
		return nil, err
	}
	if _, _, err := cfg.Vending.AmountLimits(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
