package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Common placeholder values that should never be used as credentials
var commonPlaceholders = []string{
	"changeme",
	"change_me",
	"your_api_key",
	"your_secret",
	"placeholder",
	"test",
	"password",
	"secret",
	"example",
	"sample",
	"demo",
	"quarterdeck",
	"default",
}

// credentialErrors rejects credentials that are placeholders, too short,
// or contain whitespace. Presence is the caller's concern; an empty value
// produces no entries here.
func credentialErrors(field, value string, minLength int) ValidationErrors {
	var errors ValidationErrors
	if value == "" {
		return errors
	}

	lower := strings.ToLower(value)
	for _, placeholder := range commonPlaceholders {
		if lower == placeholder || strings.Contains(lower, placeholder) {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("Appears to be a placeholder value (%s)", placeholder),
			})
			return errors
		}
	}

	if len(value) < minLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("Must be at least %d characters (got %d)", minLength, len(value)),
		})
	}

	for _, r := range value {
		if unicode.IsSpace(r) {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "Must not contain whitespace",
			})
			break
		}
	}

	return errors
}

// ================================================
// HashiCorp Vault Integration
// ================================================

// VaultConfig holds the Vault connection settings. All of it comes
// from VAULT_* environment variables, never from the config file, so
// secrets handling stays out of anything an operator might commit.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	AuthMethod string // "token", "kubernetes" or "approle"
	MountPath  string // KV mount, usually "secret"
	SecretPath string // base path under the mount, e.g. "quarterdeck/production"
	Namespace  string // Vault Enterprise only
}

// VaultClient is an authenticated handle on the configured KV mount.
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient connects and authenticates against Vault.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if err := authenticate(client, cfg); err != nil {
		return nil, err
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client ready")

	return &VaultClient{client: client, config: cfg}, nil
}

func authenticate(client *vault.Client, cfg VaultConfig) error {
	switch cfg.AuthMethod {
	case "token", "":
		token := cfg.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(token)
		return nil

	case "kubernetes":
		if err := authenticateKubernetes(client); err != nil {
			return fmt.Errorf("kubernetes authentication failed: %w", err)
		}
		return nil

	case "approle":
		if err := authenticateAppRole(client); err != nil {
			return fmt.Errorf("AppRole authentication failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}
}

// GetSecret reads one secret relative to the configured SecretPath.
// KV v2 nests payloads under a "data" key; v1 returns them flat. Both
// shapes come back as the flat map.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullPath, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("no secret at %s", fullPath)
	}

	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		return nested, nil
	}
	return secret.Data, nil
}

// GetSecretString reads a single string field of a secret.
func (vc *VaultClient) GetSecretString(ctx context.Context, path string, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string field %q", path, key)
	}
	return value, nil
}

// LoadSecretsFromVault fills broker credentials, the archive password,
// and the Telegram bot token from Vault. Environment variables already
// resolved by Load take precedence; Vault only fills what is still
// empty. Missing paths are logged and skipped so a partially populated
// Vault does not block startup.
func LoadSecretsFromVault(ctx context.Context, cfg *Config, vaultCfg VaultConfig) error {
	if !vaultCfg.Enabled {
		log.Info().Msg("Vault disabled, secrets come from the environment")
		return nil
	}

	vaultClient, err := NewVaultClient(vaultCfg)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	if err := loadBrokerSecrets(ctx, vaultClient, cfg); err != nil {
		log.Warn().Err(err).Msg("Broker secrets not loaded from Vault")
	}
	if err := loadArchiveSecrets(ctx, vaultClient, cfg); err != nil {
		log.Warn().Err(err).Msg("Archive secrets not loaded from Vault")
	}
	if err := loadTelegramSecrets(ctx, vaultClient, cfg); err != nil {
		log.Warn().Err(err).Msg("Telegram secrets not loaded from Vault")
	}

	log.Info().Msg("Vault secrets loaded")
	return nil
}

// loadBrokerSecrets loads API credentials for every configured broker
func loadBrokerSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	for name := range cfg.Brokers {
		path := fmt.Sprintf("brokers/%s", name)
		secrets, err := vc.GetSecret(ctx, path)
		if err != nil {
			log.Warn().Str("broker", name).Err(err).Msg("Failed to load broker secrets")
			continue
		}

		bc := cfg.Brokers[name]

		if bc.APIKey == "" {
			if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
				bc.APIKey = apiKey
			}
		}

		if bc.APISecret == "" {
			if apiSecret, ok := secrets["api_secret"].(string); ok && apiSecret != "" {
				bc.APISecret = apiSecret
			}
		}

		cfg.Brokers[name] = bc
		log.Info().Str("broker", name).Msg("Loaded broker credentials from Vault")
	}

	return nil
}

// loadArchiveSecrets loads the trade archive database credentials
func loadArchiveSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	if !cfg.Archive.Enabled {
		return nil
	}

	secrets, err := vc.GetSecret(ctx, "archive")
	if err != nil {
		return err
	}

	if cfg.Archive.Password == "" {
		if password, ok := secrets["password"].(string); ok && password != "" {
			cfg.Archive.Password = password
			log.Info().Msg("Loaded archive password from Vault")
		}
	}

	if user, ok := secrets["user"].(string); ok && user != "" {
		cfg.Archive.User = user
	}

	return nil
}

// loadTelegramSecrets loads the operator alert bot token
func loadTelegramSecrets(ctx context.Context, vc *VaultClient, cfg *Config) error {
	if !cfg.Telegram.Enabled {
		return nil
	}

	secrets, err := vc.GetSecret(ctx, "telegram")
	if err != nil {
		return err
	}

	if cfg.Telegram.BotToken == "" {
		if token, ok := secrets["bot_token"].(string); ok && token != "" {
			cfg.Telegram.BotToken = token
			log.Info().Msg("Loaded Telegram bot token from Vault")
		}
	}

	return nil
}

// authenticateKubernetes logs in with the pod's service account JWT.
func authenticateKubernetes(client *vault.Client) error {
	jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return fmt.Errorf("service account token: %w", err)
	}

	role := os.Getenv("VAULT_K8S_ROLE")
	if role == "" {
		role = "quarterdeck"
	}

	secret, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
		"jwt":  string(jwt),
		"role": role,
	})
	if err != nil {
		return fmt.Errorf("kubernetes login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("kubernetes login returned no token")
	}
	client.SetToken(secret.Auth.ClientToken)

	log.Info().Str("role", role).Msg("Vault kubernetes auth succeeded")
	return nil
}

// authenticateAppRole logs in with VAULT_ROLE_ID and VAULT_SECRET_ID.
func authenticateAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("approle login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("approle login returned no token")
	}
	client.SetToken(secret.Auth.ClientToken)

	log.Info().Msg("Vault approle auth succeeded")
	return nil
}

// GetVaultConfigFromEnv assembles VaultConfig from VAULT_* variables.
// Unset VAULT_ENABLED means Vault stays out of the picture entirely.
func GetVaultConfigFromEnv() VaultConfig {
	if os.Getenv("VAULT_ENABLED") != "true" {
		return VaultConfig{}
	}

	return VaultConfig{
		Enabled:    true,
		Address:    envOr("VAULT_ADDR", fmt.Sprintf("http://localhost:%d", VaultPort)),
		Token:      os.Getenv("VAULT_TOKEN"),
		AuthMethod: envOr("VAULT_AUTH_METHOD", "token"),
		MountPath:  envOr("VAULT_MOUNT_PATH", "secret"),
		SecretPath: envOr("VAULT_SECRET_PATH", "quarterdeck/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
