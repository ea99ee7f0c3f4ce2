package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLBackend wraps the PostgreSQL database connection.
type PostgreSQLBackend struct {
	DB     *sql.DB
	DSN    string
	Config PostgreSQLConfig

	// Migrator handles schema migrations
	Migrator *Migrator

	// Health checker
	Health *HealthChecker

	logger *slog.Logger
}

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	// DSN, when set, is used verbatim and wins over every other field.
	DSN string

	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Supabase project URL (https://<ref>.supabase.co). The service
	// credential is the database password.
	SupabaseURL string
}

// OpenPostgreSQL opens a PostgreSQL (or Supabase) database connection.
func OpenPostgreSQL(config PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Set defaults
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 5 * time.Minute
	}

	dsn := BuildPostgreSQLDSN(config)

	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Debug("postgresql connected", "host", hostOf(config))

	return &PostgreSQLBackend{
		DB:       db,
		DSN:      dsn,
		Config:   config,
		Migrator: NewMigrator(db, DialectPostgres),
		Health:   NewHealthChecker(db, "SELECT version()"),
		logger:   logger,
	}, nil
}

// BuildPostgreSQLDSN builds the connection string. An explicit DSN wins,
// then a Supabase project URL, then the discrete host fields.
func BuildPostgreSQLDSN(config PostgreSQLConfig) string {
	if config.DSN != "" {
		return config.DSN
	}

	if host := supabaseDBHost(config.SupabaseURL); host != "" {
		user := config.User
		if user == "" {
			user = "postgres"
		}
		return fmt.Sprintf("host=%s port=5432 user=%s password=%s dbname=postgres sslmode=require",
			host, dsnValue(user), dsnValue(config.Password))
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, dsnValue(config.User), dsnValue(config.Password),
		dsnValue(config.Database), config.SSLMode)
}

// supabaseDBHost converts https://<ref>.supabase.co into db.<ref>.supabase.co.
// Returns "" when the URL is not a Supabase project URL.
func supabaseDBHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) != 3 || parts[1] != "supabase" {
		return ""
	}
	return fmt.Sprintf("db.%s.%s.%s", parts[0], parts[1], parts[2])
}

// dsnValue quotes a key/value DSN value when it contains spaces or quotes.
func dsnValue(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, ` '\`) {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func hostOf(config PostgreSQLConfig) string {
	if config.DSN != "" {
		return "dsn"
	}
	if host := supabaseDBHost(config.SupabaseURL); host != "" {
		return host
	}
	return config.Host
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}
