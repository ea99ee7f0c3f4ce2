package database

import (
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

// HubConfig represents the complete database hub configuration.
type HubConfig struct {
	// Backend is the primary database backend type (default: "sqlite")
	Backend BackendType `yaml:"backend" envconfig:"DATABASE_BACKEND"`

	// AutoMigrate applies pending migrations when the hub opens.
	AutoMigrate bool `yaml:"auto_migrate" envconfig:"DATABASE_AUTO_MIGRATE"`

	// SQLite configuration
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration (includes Supabase)
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// Config describes one backend connection. Only the section matching Type
// is read.
type Config struct {
	Type BackendType

	SQLite     backends.SQLiteConfig
	PostgreSQL backends.PostgreSQLConfig
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/zapbridge.db")
	Path string `yaml:"path" envconfig:"SQLITE_PATH"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL and Supabase configuration.
type PostgreSQLConfig struct {
	// DSN is a full connection string; when set the fields below are ignored.
	DSN string `yaml:"dsn" envconfig:"DATABASE_URL"`

	// Host (default: "localhost")
	Host string `yaml:"host" envconfig:"PGHOST"`

	// Port (default: 5432)
	Port int `yaml:"port" envconfig:"PGPORT"`

	// Database name
	Database string `yaml:"database" envconfig:"PGDATABASE"`

	// User for authentication
	User string `yaml:"user" envconfig:"PGUSER"`

	// Password for authentication. For Supabase this is the service
	// credential of the project database.
	Password string `yaml:"password" envconfig:"SUPABASE_DB_PASSWORD"`

	// SSL mode: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"ssl_mode" envconfig:"PGSSLMODE"`

	// Connection pooling
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// Supabase project URL (https://<ref>.supabase.co)
	SupabaseURL string `yaml:"supabase_url" envconfig:"SUPABASE_URL"`
}

// DefaultHubConfig returns the default hub configuration. The backend is
// left empty so Effective can pick PostgreSQL when a DSN is configured.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		AutoMigrate: true,
		SQLite: SQLiteConfig{
			Path:        "./data/zapbridge.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Port:            5432,
			SSLMode:         "require",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// ToConfig converts the YAML section into a backend connection config.
// Foreign keys are always on: whatsmeow's session tables depend on them.
func (s SQLiteConfig) ToConfig() Config {
	return Config{
		Type: BackendSQLite,
		SQLite: backends.SQLiteConfig{
			Path:        s.Path,
			JournalMode: s.JournalMode,
			BusyTimeout: s.BusyTimeout,
			ForeignKeys: true,
		},
	}
}

// ToConfig converts the YAML section into a backend connection config.
func (p PostgreSQLConfig) ToConfig() Config {
	return Config{
		Type: BackendPostgreSQL,
		PostgreSQL: backends.PostgreSQLConfig{
			DSN:             p.DSN,
			Host:            p.Host,
			Port:            p.Port,
			Database:        p.Database,
			User:            p.User,
			Password:        p.Password,
			SSLMode:         p.SSLMode,
			MaxOpenConns:    p.MaxOpenConns,
			MaxIdleConns:    p.MaxIdleConns,
			ConnMaxLifetime: p.ConnMaxLifetime,
			SupabaseURL:     p.SupabaseURL,
		},
	}
}

// Effective returns a copy with default values filled in for zero fields.
// A configured DSN or Supabase URL selects PostgreSQL when no backend was
// named explicitly.
func (c HubConfig) Effective() HubConfig {
	out := c

	if out.Backend == "" {
		out.Backend = BackendSQLite
		if out.PostgreSQL.DSN != "" || out.PostgreSQL.SupabaseURL != "" {
			out.Backend = BackendPostgreSQL
		}
	}

	if out.SQLite.Path == "" {
		out.SQLite.Path = "./data/zapbridge.db"
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = "WAL"
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = 5000
	}

	return out
}
