package backends

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend wraps the SQLite database connection with additional functionality.
type SQLiteBackend struct {
	DB     *sql.DB
	DSN    string
	Config SQLiteConfig

	// Migrator handles schema migrations
	Migrator *Migrator

	// Health checker
	Health *HealthChecker
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/zapbridge.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	// Ensure parent directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		// whatsmeow's session tables refuse to run without foreign keys.
		dsn += "&_foreign_keys=on"
	}

	db, err := sql.Open(string(DialectSQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:       db,
		DSN:      dsn,
		Config:   config,
		Migrator: NewMigrator(db, DialectSQLite),
		Health:   NewHealthChecker(db, "SELECT sqlite_version()"),
	}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}
