package database

import (
	"fmt"
	"log/slog"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

// SQLiteFactory opens local SQLite files.
type SQLiteFactory struct{}

// Create opens the SQLite file described by config.SQLite.
func (f *SQLiteFactory) Create(config Config) (*Backend, error) {
	if config.Type != BackendSQLite {
		return nil, fmt.Errorf("sqlite factory cannot create %s backend", config.Type)
	}
	b, err := backends.OpenSQLite(config.SQLite)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Type:     BackendSQLite,
		DB:       b.DB,
		Dialect:  backends.DialectSQLite,
		DSN:      b.DSN,
		Config:   config,
		Migrator: b.Migrator,
		Health:   b.Health,
	}, nil
}

// Supports reports whether t is BackendSQLite.
func (f *SQLiteFactory) Supports(t BackendType) bool { return t == BackendSQLite }

// PostgreSQLFactory opens PostgreSQL and Supabase databases.
type PostgreSQLFactory struct {
	logger *slog.Logger
}

// NewPostgreSQLFactory creates a new PostgreSQL factory.
func NewPostgreSQLFactory(logger *slog.Logger) *PostgreSQLFactory {
	return &PostgreSQLFactory{logger: logger}
}

// Create connects to the database described by config.PostgreSQL.
func (f *PostgreSQLFactory) Create(config Config) (*Backend, error) {
	if config.Type != BackendPostgreSQL {
		return nil, fmt.Errorf("postgresql factory cannot create %s backend", config.Type)
	}
	b, err := backends.OpenPostgreSQL(config.PostgreSQL, f.logger)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Type:     BackendPostgreSQL,
		DB:       b.DB,
		Dialect:  backends.DialectPostgres,
		DSN:      b.DSN,
		Config:   config,
		Migrator: b.Migrator,
		Health:   b.Health,
	}, nil
}

// Supports reports whether t is BackendPostgreSQL.
func (f *PostgreSQLFactory) Supports(t BackendType) bool { return t == BackendPostgreSQL }
