// Package config loads the bridge configuration from a YAML file, .env files,
// environment variables and the OS keyring.
//
// Priority for every setting, highest first:
//  1. Environment variable (ZAPBRIDGE_<NAME>, falling back to <NAME>)
//  2. config.yaml value (after ${VAR} expansion)
//  3. OS keyring, for secrets left empty by the two above
//  4. Built-in default
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/audit"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels/whatsapp"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/database"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/gateway"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/rules"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/supervisor"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/webhook"
)

// DefaultInstance names the credential partition used when none is configured.
const DefaultInstance = "default"

// Config is the complete bridge configuration.
type Config struct {
	// Instance partitions stored credentials and keys.
	Instance string `yaml:"instance"`

	Logging  LoggingConfig      `yaml:"logging"`
	Database database.HubConfig `yaml:"database"`
	Webhook  WebhookConfig      `yaml:"webhook"`
	WhatsApp WhatsAppConfig     `yaml:"whatsapp"`
	Gateway  gateway.Config     `yaml:"gateway"`
	Rules    RulesConfig        `yaml:"rules"`
	Audit    AuditConfig        `yaml:"audit"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`

	// Format is "json" or "text".
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// WebhookConfig configures the automation endpoint.
type WebhookConfig struct {
	URL string `yaml:"url" envconfig:"WEBHOOK_URL"`

	// TimeoutMS bounds a single webhook call, in milliseconds.
	TimeoutMS int `yaml:"timeout_ms" envconfig:"WEBHOOK_TIMEOUT_MS"`

	// Secret is sent as x-bridge-secret when non-empty.
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

// Timeout returns the webhook timeout as a duration.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMS) * time.Millisecond
}

// WhatsAppConfig configures the transport and its supervisor.
type WhatsAppConfig struct {
	// PairingPhone is the digits-only E.164 number used to request a
	// pairing code for an unregistered device.
	PairingPhone string `yaml:"pairing_phone" envconfig:"PAIRING_PHONE"`

	// RestartDelay is the fixed wait before restarting a closed session.
	RestartDelay time.Duration `yaml:"restart_delay" envconfig:"RESTART_DELAY"`

	Transport whatsapp.Config `yaml:",inline"`
}

// RulesConfig configures the runtime configuration cache.
type RulesConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"RULES_CACHE_TTL"`
}

// AuditConfig configures the message log writer.
type AuditConfig struct {
	QueueSize int `yaml:"queue_size" envconfig:"AUDIT_QUEUE_SIZE"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Instance: DefaultInstance,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: database.DefaultHubConfig(),
		Webhook: WebhookConfig{
			TimeoutMS: int(webhook.DefaultTimeout / time.Millisecond),
		},
		WhatsApp: WhatsAppConfig{
			RestartDelay: supervisor.DefaultRestartDelay,
			Transport:    whatsapp.DefaultConfig(),
		},
		Gateway: gateway.Config{
			Address: ":8080",
		},
		Rules: RulesConfig{
			CacheTTL: rules.DefaultTTL,
		},
		Audit: AuditConfig{
			QueueSize: audit.DefaultQueueSize,
		},
	}
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Instance) == "" {
		errs = append(errs, errors.New("instance must not be empty"))
	}

	if c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook.url is required (WEBHOOK_URL)"))
	} else if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("webhook.url %q must be an absolute http(s) URL", c.Webhook.URL))
	}
	if c.Webhook.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("webhook.timeout_ms must be positive, got %d", c.Webhook.TimeoutMS))
	}

	if p := c.WhatsApp.PairingPhone; p != "" && !isDigits(p) {
		errs = append(errs, fmt.Errorf("whatsapp.pairing_phone %q must contain digits only (E.164 without symbols)", p))
	}
	if c.WhatsApp.RestartDelay < 0 {
		errs = append(errs, errors.New("whatsapp.restart_delay must not be negative"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}

	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL:
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}

	return errors.Join(errs...)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
