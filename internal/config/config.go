package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Stripe       StripeConfig       `mapstructure:"stripe"`
	PayPal       PayPalConfig       `mapstructure:"paypal"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Notification NotificationConfig `mapstructure:"notification"`
	AWS          AWSConfig          `mapstructure:"aws"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Billing      BillingConfig      `mapstructure:"billing"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration. Driver is "postgres" or "sqlite";
// for sqlite, Name is the file path (or ":memory:").
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	DSN      string `mapstructure:"dsn"`
}

// RedisConfig holds redis configuration
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// StripeConfig holds Stripe configuration
type StripeConfig struct {
	SecretKey      string        `mapstructure:"secret_key"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	PublishableKey string        `mapstructure:"publishable_key"`
	Tolerance      time.Duration `mapstructure:"tolerance"`
}

// PayPalConfig holds PayPal configuration
type PayPalConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	WebhookID    string `mapstructure:"webhook_id"`
	Sandbox      bool   `mapstructure:"sandbox"`
}

// GatewayConfig selects the active card processor and throttles calls to it
type GatewayConfig struct {
	Provider      string  `mapstructure:"provider"` // stripe, paypal, none
	Currency      string  `mapstructure:"currency"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// NotificationConfig selects how notifications leave the service
type NotificationConfig struct {
	Driver  string `mapstructure:"driver"` // log, redis, sqs
	Channel string `mapstructure:"channel"`
}

// AWSConfig holds SQS settings for the sqs notification driver
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"`
	QueueURL        string `mapstructure:"queue_url"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	Service string `mapstructure:"service"`
}

func (v VaultConfig) Enabled() bool { return v.Address != "" && v.Token != "" }

// AuthConfig holds caller token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// BillingConfig holds rent billing settings
type BillingConfig struct {
	Region       string        `mapstructure:"region"` // bank account country code
	OverdueGrace time.Duration `mapstructure:"overdue_grace"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var envBindings = map[string]string{
	"server.port":            "SERVER_PORT",
	"server.host":            "SERVER_HOST",
	"server.mode":            "GIN_MODE",
	"database.driver":        "DATABASE_DRIVER",
	"database.host":          "DATABASE_HOST",
	"database.port":          "DATABASE_PORT",
	"database.name":          "DATABASE_NAME",
	"database.user":          "DATABASE_USER",
	"database.password":      "DATABASE_PASSWORD",
	"database.ssl_mode":      "DATABASE_SSL_MODE",
	"database.dsn":           "DATABASE_DSN",
	"redis.host":             "REDIS_HOST",
	"redis.port":             "REDIS_PORT",
	"redis.password":         "REDIS_PASSWORD",
	"redis.db":               "REDIS_DB",
	"stripe.secret_key":      "STRIPE_SECRET_KEY",
	"stripe.webhook_secret":  "STRIPE_WEBHOOK_SECRET",
	"stripe.publishable_key": "STRIPE_PUBLISHABLE_KEY",
	"paypal.client_id":       "PAYPAL_CLIENT_ID",
	"paypal.client_secret":   "PAYPAL_CLIENT_SECRET",
	"paypal.webhook_id":      "PAYPAL_WEBHOOK_ID",
	"paypal.sandbox":         "PAYPAL_SANDBOX",
	"gateway.provider":       "PAYMENT_GATEWAY",
	"gateway.currency":       "PAYMENT_CURRENCY",
	"notification.driver":    "NOTIFICATION_DRIVER",
	"aws.region":             "AWS_REGION",
	"aws.access_key_id":      "AWS_ACCESS_KEY_ID",
	"aws.secret_access_key":  "AWS_SECRET_ACCESS_KEY",
	"aws.endpoint":           "AWS_ENDPOINT_URL",
	"aws.queue_url":          "NOTIFICATION_QUEUE_URL",
	"vault.address":          "VAULT_ADDR",
	"vault.token":            "VAULT_TOKEN",
	"auth.jwt_secret":        "JWT_SECRET",
	"billing.region":         "BANK_REGION",
	"log.level":              "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "rentpay")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.claim_ttl", 5*time.Minute)
	v.SetDefault("stripe.tolerance", 300*time.Second)
	v.SetDefault("paypal.sandbox", true)
	v.SetDefault("gateway.provider", "stripe")
	v.SetDefault("gateway.currency", "eur")
	v.SetDefault("gateway.rate_per_second", 25.0)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("notification.driver", "log")
	v.SetDefault("notification.channel", "payment-notifications")
	v.SetDefault("aws.region", "eu-central-1")
	v.SetDefault("vault.mount", "secret/data")
	v.SetDefault("vault.service", "rentpay")
	v.SetDefault("auth.issuer", "rentpay")
	v.SetDefault("billing.region", "AT")
	v.SetDefault("billing.overdue_grace", 5*24*time.Hour)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional config.yaml and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config") // Kubernetes ConfigMap mount path
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
