// Package database provides the datastore hub used by the bridge. It hides
// whether the rows live in a local SQLite file or in a managed PostgreSQL
// (Supabase) database behind a common Backend type.
package database

import (
	"context"
	"database/sql"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Backend represents a database backend connection with all its capabilities.
type Backend struct {
	// Name is the identifier for this backend (e.g., "primary")
	Name string

	// Type indicates the database type
	Type BackendType

	// DB is the underlying database connection
	DB *sql.DB

	// Dialect and DSN let other stores (whatsmeow's sqlstore) open their
	// own pool against the same database.
	Dialect backends.Dialect
	DSN     string

	// Config holds the backend configuration
	Config Config

	// Migrator handles schema migrations
	Migrator Migrator

	// Health monitors database health
	Health HealthChecker
}

// Migrator interface for database schema migrations.
type Migrator interface {
	// CurrentVersion returns the current schema version.
	CurrentVersion(ctx context.Context) (int, error)

	// Migrate applies migrations up to the target version.
	// If target is 0, migrates to the latest version.
	Migrate(ctx context.Context, target int) error

	// NeedsMigration returns true if the schema is outdated.
	NeedsMigration(ctx context.Context) (bool, error)
}

// HealthChecker interface for monitoring database health.
type HealthChecker interface {
	// Ping checks basic database connectivity.
	Ping(ctx context.Context) error

	// Status returns detailed health status.
	Status(ctx context.Context) HealthStatus
}

// HealthStatus represents the health state of a database backend.
type HealthStatus = backends.HealthStatus

// BackendFactory creates database backends based on configuration.
type BackendFactory interface {
	// Create creates a new backend with the given configuration.
	Create(config Config) (*Backend, error)

	// Supports returns true if this factory can create the given backend type.
	Supports(backendType BackendType) bool
}
