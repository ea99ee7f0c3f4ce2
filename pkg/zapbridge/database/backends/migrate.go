package backends

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrator applies the versioned schema to a database. Every migration
// script is idempotent (IF NOT EXISTS) and recorded in schema_version.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
}

// NewMigrator creates a migrator for the given dialect.
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`
	if m.dialect == DialectPostgres {
		ddl = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`
	}
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}

// CurrentVersion returns the current schema version (0 for an empty database).
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies migrations up to the target version.
// If target is 0, migrates to the latest version.
func (m *Migrator) Migrate(ctx context.Context, target int) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	latest := LatestVersion()
	if target <= 0 || target > latest {
		target = latest
	}

	for _, mig := range migrations {
		if mig.Version <= current || mig.Version > target {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.script(m.dialect)); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", mig.Version); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}
	return tx.Commit()
}

// NeedsMigration returns true if the schema is outdated.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < LatestVersion(), nil
}
