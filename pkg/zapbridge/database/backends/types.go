// Package backends provides database backend implementations.
package backends

import (
	"context"
	"database/sql"
	"time"
)

// Dialect names the SQL flavour a backend speaks. The values double as the
// dialect names whatsmeow's sqlstore understands.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// HealthStatus represents the health state of a database backend.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Version string        `json:"version"`
	Error   string        `json:"error,omitempty"`

	// Connection pool metrics
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
	MaxOpenConns    int           `json:"max_open_conns"`
}

// HealthChecker monitors a database connection.
type HealthChecker struct {
	db           *sql.DB
	versionQuery string
}

// NewHealthChecker creates a health checker. versionQuery must return a
// single text column describing the server version.
func NewHealthChecker(db *sql.DB, versionQuery string) *HealthChecker {
	return &HealthChecker{db: db, versionQuery: versionQuery}
}

// Ping checks database connectivity.
func (h *HealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status. It never returns an error; a failed
// ping is reported through Healthy and Error.
func (h *HealthChecker) Status(ctx context.Context) HealthStatus {
	start := time.Now()
	err := h.db.PingContext(ctx)
	status := HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Healthy = true
	if err := h.db.QueryRowContext(ctx, h.versionQuery).Scan(&status.Version); err != nil {
		status.Version = "unknown"
	}

	stats := h.db.Stats()
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConns = stats.MaxOpenConnections
	return status
}
