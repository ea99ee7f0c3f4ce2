// Package gateway serves the bridge's operational HTTP endpoints: a liveness
// probe, a status report and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/supervisor"
)

// version is reported by /health and /status.
var version = "dev"

// SetVersion sets the version string reported by the gateway.
func SetVersion(v string) { version = v }

// Config configures the gateway.
type Config struct {
	// Address is the listen address. Default: ":8080".
	Address string `yaml:"address" envconfig:"GATEWAY_ADDRESS"`

	// AuthToken protects /status and /metrics when set.
	AuthToken string `yaml:"auth_token" envconfig:"GATEWAY_AUTH_TOKEN"`
}

// StatusProvider reports the connection state.
type StatusProvider interface {
	Status() supervisor.Status
}

// DatastoreStatus reports the health of the datastore backends.
type DatastoreStatus interface {
	Status(ctx context.Context) map[string]database.HealthStatus
}

// Gateway is the operational HTTP server.
type Gateway struct {
	config    Config
	status    StatusProvider
	datastore DatastoreStatus
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway. status and datastore may be nil.
func New(cfg Config, status StatusProvider, datastore DatastoreStatus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	return &Gateway{
		config:    cfg,
		status:    status,
		datastore: datastore,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the gateway's HTTP handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public, never touches the datastore)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/status", g.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	return g.securityHeadersMiddleware(g.metricsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address, /status is public",
				"address", g.config.Address)
		}
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
