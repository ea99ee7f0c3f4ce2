package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// primaryName keys the primary backend in Status reports.
const primaryName = "primary"

// Hub owns the bridge's datastore connection. Rules, the message log and
// the credential store all share its primary backend; whatsmeow opens its
// own pool from the same Dialect and DSN.
type Hub struct {
	primary   *Backend
	factories map[BackendType]BackendFactory
	logger    *slog.Logger
}

// NewHub opens the backend selected by config. Pending migrations are
// applied when AutoMigrate is set.
func NewHub(ctx context.Context, config HubConfig, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hub := &Hub{
		factories: map[BackendType]BackendFactory{
			BackendSQLite:     &SQLiteFactory{},
			BackendPostgreSQL: NewPostgreSQLFactory(logger),
		},
		logger: logger.With("component", "database"),
	}

	cfg := config.Effective()
	var conn Config
	switch cfg.Backend {
	case BackendSQLite:
		conn = cfg.SQLite.ToConfig()
	case BackendPostgreSQL:
		conn = cfg.PostgreSQL.ToConfig()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend)
	}

	backend, err := hub.open(conn)
	if err != nil {
		return nil, fmt.Errorf("open %s datastore: %w", cfg.Backend, err)
	}
	backend.Name = primaryName
	hub.primary = backend
	hub.logger.Info("datastore opened", "type", backend.Type)

	if cfg.AutoMigrate {
		if err := hub.Migrate(ctx, 0); err != nil {
			hub.Close()
			return nil, err
		}
	}
	return hub, nil
}

func (h *Hub) open(conn Config) (*Backend, error) {
	factory, ok := h.factories[conn.Type]
	if !ok || !factory.Supports(conn.Type) {
		return nil, fmt.Errorf("no factory for backend type %s", conn.Type)
	}
	return factory.Create(conn)
}

// Primary returns the primary backend.
func (h *Hub) Primary() *Backend {
	return h.primary
}

// DB returns the connection pool of the primary backend.
func (h *Hub) DB() *sql.DB {
	if h.primary == nil {
		return nil
	}
	return h.primary.DB
}

// Status reports the health of the datastore, keyed by backend name.
func (h *Hub) Status(ctx context.Context) map[string]HealthStatus {
	if h.primary == nil || h.primary.Health == nil {
		return map[string]HealthStatus{primaryName: {Error: "datastore not open"}}
	}
	return map[string]HealthStatus{primaryName: h.primary.Health.Status(ctx)}
}

// Migrate brings the schema to target, or to the latest version when target
// is 0.
func (h *Hub) Migrate(ctx context.Context, target int) error {
	if h.primary == nil || h.primary.Migrator == nil {
		return fmt.Errorf("migrator not available")
	}
	m := h.primary.Migrator

	before, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := m.Migrate(ctx, target); err != nil {
		return fmt.Errorf("migrate datastore: %w", err)
	}
	after, _ := m.CurrentVersion(ctx)
	if after != before {
		h.logger.Info("datastore migrated", "from", before, "to", after)
	}
	return nil
}

// Close closes the datastore connection. It is safe to call more than once.
func (h *Hub) Close() error {
	if h.primary == nil {
		return nil
	}
	err := h.primary.DB.Close()
	h.primary = nil
	if err != nil {
		return fmt.Errorf("close datastore: %w", err)
	}
	return nil
}
