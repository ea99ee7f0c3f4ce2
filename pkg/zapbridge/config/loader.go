package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is tried before the bare variable name.
const envPrefix = "ZAPBRIDGE"

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load builds the configuration. When path is empty the working directory is
// searched for a config file; running without one is allowed, in which case
// only defaults, the environment and the keyring apply.
func Load(path string) (*Config, string, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		checkFilePermissions(path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}
	resolveSecrets(cfg)

	return cfg, path, nil
}

// Parse expands environment references in data and decodes it over the
// defaults. Keys absent from the YAML keep their default values.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first config file found in the working
// directory, or "" if there is none.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"zapbridge.yaml",
		"zapbridge.yml",
		"configs/zapbridge.yaml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// expandEnv replaces environment references. A ${VAR:?message} whose
// variable is unset fails the whole expansion.
func expandEnv(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			return os.Getenv(m[4])
		}
		name, modifier, arg := m[1], m[2], m[3]
		val, set := os.LookupEnv(name)
		switch modifier {
		case "-":
			if !set || val == "" {
				return arg
			}
		case "?":
			if !set || val == "" {
				if missing == nil {
					if arg == "" {
						arg = "required environment variable not set"
					}
					missing = fmt.Errorf("config error: %s - %s", name, arg)
				}
				return ""
			}
		}
		return val
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// applyEnv overlays environment variables group by group.
func applyEnv(cfg *Config) error {
	var top struct {
		Instance string `envconfig:"INSTANCE_ID"`
	}
	groups := []struct {
		name   string
		target any
	}{
		{"instance", &top},
		{"logging", &cfg.Logging},
		{"database", &cfg.Database},
		{"webhook", &cfg.Webhook},
		{"whatsapp", &cfg.WhatsApp},
		{"gateway", &cfg.Gateway},
		{"rules", &cfg.Rules},
		{"audit", &cfg.Audit},
	}
	for _, g := range groups {
		if err := envconfig.Process(envPrefix, g.target); err != nil {
			return fmt.Errorf("env %s: %w", g.name, err)
		}
	}
	if top.Instance != "" {
		cfg.Instance = top.Instance
	}

	// PORT is the platform convention for the liveness listener.
	if port := os.Getenv("PORT"); port != "" && !envSet("GATEWAY_ADDRESS") {
		cfg.Gateway.Address = ":" + port
	}
	return nil
}

func envSet(name string) bool {
	if _, ok := os.LookupEnv(envPrefix + "_" + name); ok {
		return true
	}
	_, ok := os.LookupEnv(name)
	return ok
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
