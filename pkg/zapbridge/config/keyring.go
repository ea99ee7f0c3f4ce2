package config

import (
	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "zapbridge"

// Keyring entries for the secrets the bridge can read from the OS keyring.
const (
	SecretWebhook      = "webhook_secret"
	SecretDatabase     = "database_password"
	SecretGatewayToken = "gateway_token"
)

// KnownSecrets lists the keyring entries the loader consults.
var KnownSecrets = []string{SecretWebhook, SecretDatabase, SecretGatewayToken}

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetSecret retrieves a secret from the OS keyring.
// Returns empty string if not found or the keyring is unavailable.
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// resolveSecrets fills secrets left empty by the file and the environment.
func resolveSecrets(cfg *Config) {
	if cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret = GetSecret(SecretWebhook)
	}
	if cfg.Database.PostgreSQL.Password == "" && cfg.Database.PostgreSQL.DSN == "" {
		cfg.Database.PostgreSQL.Password = GetSecret(SecretDatabase)
	}
	if cfg.Gateway.AuthToken == "" {
		cfg.Gateway.AuthToken = GetSecret(SecretGatewayToken)
	}
}
