package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource   string
	MaxDBConns int32
	Port       string
	GRPCPort   string
	Env        string

	GatewayBaseURL   string
	GatewayAPIKey    string
	GatewayTimeout   time.Duration
	GatewayReturnURL string
	WebhookSecret    string

	PlatformFeePercent decimal.Decimal
	UpfrontPercent     int
	Currency           string
	PaymentLinkTTL     time.Duration
	SweepInterval      time.Duration

	JWTSecret string

	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string
}

// fileConfig mirrors the optional YAML file. Zero values mean "not set".
type fileConfig struct {
	Server struct {
		Port        string `yaml:"port"`
		GRPCPort    string `yaml:"grpc_port"`
		Environment string `yaml:"environment"`
	} `yaml:"server"`
	Database struct {
		Source   string `yaml:"source"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Gateway struct {
		BaseURL       string `yaml:"base_url"`
		APIKey        string `yaml:"api_key"`
		TimeoutMS     int    `yaml:"timeout_ms"`
		ReturnURL     string `yaml:"return_url"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"gateway"`
	Escrow struct {
		PlatformFeePercent    string `yaml:"platform_fee_percent"`
		UpfrontPercent        int    `yaml:"upfront_percent"`
		Currency              string `yaml:"currency"`
		PaymentLinkTTLMinutes int    `yaml:"payment_link_ttl_minutes"`
		SweepIntervalSeconds  int    `yaml:"sweep_interval_seconds"`
	} `yaml:"escrow"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// Load resolves defaults, then the YAML file at path (skipped when path is
// empty or missing), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		MaxDBConns:         20,
		Port:               "8080",
		GRPCPort:           "9090",
		Env:                "development",
		GatewayTimeout:     10 * time.Second,
		PlatformFeePercent: decimal.NewFromInt(10),
		UpfrontPercent:     50,
		Currency:           "USD",
		PaymentLinkTTL:     24 * time.Hour,
		SweepInterval:      time.Minute,
		KafkaTopic:         "escrow.notifications",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return nil, err
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var ints envInts
	cfg.DBSource = envOrDefault("DB_SOURCE", cfg.DBSource)
	cfg.MaxDBConns = int32(ints.get("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.Port = envOrDefault("SERVER_PORT", cfg.Port)
	cfg.GRPCPort = envOrDefault("GRPC_PORT", cfg.GRPCPort)
	cfg.Env = envOrDefault("ENVIRONMENT", cfg.Env)
	cfg.GatewayBaseURL = envOrDefault("GATEWAY_BASE_URL", cfg.GatewayBaseURL)
	cfg.GatewayAPIKey = envOrDefault("GATEWAY_API_KEY", cfg.GatewayAPIKey)
	cfg.GatewayTimeout = time.Duration(ints.get("GATEWAY_TIMEOUT_MS", int(cfg.GatewayTimeout.Milliseconds()))) * time.Millisecond
	cfg.GatewayReturnURL = envOrDefault("GATEWAY_RETURN_URL", cfg.GatewayReturnURL)
	cfg.WebhookSecret = envOrDefault("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.UpfrontPercent = ints.get("UPFRONT_PERCENT", cfg.UpfrontPercent)
	cfg.Currency = envOrDefault("CURRENCY", cfg.Currency)
	cfg.PaymentLinkTTL = time.Duration(ints.get("PAYMENT_LINK_TTL_MINUTES", int(cfg.PaymentLinkTTL.Minutes()))) * time.Minute
	cfg.SweepInterval = time.Duration(ints.get("SWEEP_INTERVAL_SECONDS", int(cfg.SweepInterval.Seconds()))) * time.Second
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", cfg.KafkaTopic)
	if ints.err != nil {
		return nil, ints.err
	}

	if raw := os.Getenv("PLATFORM_FEE_PERCENT"); raw != "" {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("PLATFORM_FEE_PERCENT: %w", err)
		}
		cfg.PlatformFeePercent = fee
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&c.Port, f.Server.Port)
	setString(&c.GRPCPort, f.Server.GRPCPort)
	setString(&c.Env, f.Server.Environment)
	setString(&c.DBSource, f.Database.Source)
	if f.Database.MaxConns > 0 {
		c.MaxDBConns = f.Database.MaxConns
	}
	setString(&c.GatewayBaseURL, f.Gateway.BaseURL)
	setString(&c.GatewayAPIKey, f.Gateway.APIKey)
	if f.Gateway.TimeoutMS > 0 {
		c.GatewayTimeout = time.Duration(f.Gateway.TimeoutMS) * time.Millisecond
	}
	setString(&c.GatewayReturnURL, f.Gateway.ReturnURL)
	setString(&c.WebhookSecret, f.Gateway.WebhookSecret)
	if f.Escrow.PlatformFeePercent != "" {
		fee, err := decimal.NewFromString(f.Escrow.PlatformFeePercent)
		if err != nil {
			return fmt.Errorf("escrow.platform_fee_percent: %w", err)
		}
		c.PlatformFeePercent = fee
	}
	if f.Escrow.UpfrontPercent > 0 {
		c.UpfrontPercent = f.Escrow.UpfrontPercent
	}
	setString(&c.Currency, f.Escrow.Currency)
	if f.Escrow.PaymentLinkTTLMinutes > 0 {
		c.PaymentLinkTTL = time.Duration(f.Escrow.PaymentLinkTTLMinutes) * time.Minute
	}
	if f.Escrow.SweepIntervalSeconds > 0 {
		c.SweepInterval = time.Duration(f.Escrow.SweepIntervalSeconds) * time.Second
	}
	setString(&c.JWTSecret, f.Auth.JWTSecret)
	setString(&c.RedisURL, f.Redis.URL)
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&c.KafkaTopic, f.Kafka.Topic)
	return nil
}

func (c *Config) validate() error {
	if c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("platform fee percent must be within 0..100, got %s", c.PlatformFeePercent)
	}
	if c.UpfrontPercent < 1 || c.UpfrontPercent > 100 {
		return fmt.Errorf("upfront percent must be within 1..100, got %d", c.UpfrontPercent)
	}
	if c.PaymentLinkTTL <= 0 {
		return fmt.Errorf("payment link ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// RequireAPI checks the secrets only the HTTP service needs.
func (c *Config) RequireAPI() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET environment variable is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL environment variable is required")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInts reads integer variables and keeps the first malformed one.
type envInts struct {
	err error
}

func (e *envInts) get(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", name, err)
		}
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
