package secrets

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
)

// Reader is the subset of the Vault logical API used here
type Reader interface {
	Read(path string) (*api.Secret, error)
}

// VaultClient handles secure secret management using HashiCorp Vault
type VaultClient struct {
	client  *api.Client
	reader  Reader
	mount   string
	service string
	logger  *zap.Logger
}

// NewVaultClient creates a new Vault client
func NewVaultClient(cfg config.VaultConfig, logger *zap.Logger) (*VaultClient, error) {
	apiCfg := &api.Config{
		Address: cfg.Address,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultClient{
		client:  client,
		reader:  client.Logical(),
		mount:   cfg.Mount,
		service: cfg.Service,
		logger:  logger,
	}, nil
}

// NewWithReader builds a client over an arbitrary reader; used by tests.
func NewWithReader(reader Reader, mount, service string, logger *zap.Logger) *VaultClient {
	return &VaultClient{reader: reader, mount: mount, service: service, logger: logger}
}

// GetSecret retrieves the key/value data stored at path. KV v2 envelopes
// ({"data": {...}}) are unwrapped.
func (v *VaultClient) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := v.reader.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}
	if inner, ok := secret.Data["data"].(map[string]interface{}); ok {
		return inner, nil
	}
	return secret.Data, nil
}

func (v *VaultClient) path(name string) string {
	return fmt.Sprintf("%s/%s/%s", v.mount, v.service, name)
}

// Overlay replaces gateway and database credentials in cfg with the values
// found in Vault. Missing paths are logged and skipped.
func (v *VaultClient) Overlay(cfg *config.Config) {
	if data, err := v.GetSecret(v.path("stripe")); err == nil {
		setIfPresent(&cfg.Stripe.SecretKey, data, "secret_key")
		setIfPresent(&cfg.Stripe.WebhookSecret, data, "webhook_secret")
		setIfPresent(&cfg.Stripe.PublishableKey, data, "publishable_key")
	} else {
		v.logger.Warn("Failed to load Stripe secrets from Vault", zap.Error(err))
	}

	if data, err := v.GetSecret(v.path("paypal")); err == nil {
		setIfPresent(&cfg.PayPal.ClientID, data, "client_id")
		setIfPresent(&cfg.PayPal.ClientSecret, data, "client_secret")
		setIfPresent(&cfg.PayPal.WebhookID, data, "webhook_id")
	} else {
		v.logger.Warn("Failed to load PayPal secrets from Vault", zap.Error(err))
	}

	if data, err := v.GetSecret(v.path("database")); err == nil {
		setIfPresent(&cfg.Database.Host, data, "host")
		setIfPresent(&cfg.Database.User, data, "user")
		setIfPresent(&cfg.Database.Password, data, "password")
		setIfPresent(&cfg.Database.Name, data, "name")
		if port, ok := data["port"]; ok {
			cfg.Database.Port = cast.ToInt(port)
		}
	} else {
		v.logger.Warn("Failed to load database credentials from Vault", zap.Error(err))
	}

	if data, err := v.GetSecret(v.path("auth")); err == nil {
		setIfPresent(&cfg.Auth.JWTSecret, data, "jwt_secret")
	}
}

// HealthCheck checks if Vault is accessible
func (v *VaultClient) HealthCheck() error {
	if v.client == nil {
		return nil
	}
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("Vault health check failed: %w", err)
	}
	return nil
}

func setIfPresent(dst *string, data map[string]interface{}, key string) {
	if raw, ok := data[key]; ok {
		if s := cast.ToString(raw); s != "" {
			*dst = s
		}
	}
}
