package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/audit"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/bridge"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels/whatsapp"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/gateway"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/rules"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/supervisor"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/webhook"
)

// shutdownTimeout bounds the graceful shutdown.
const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `zapbridge serve` command that runs the bridge.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and start forwarding messages",
		Long: `Start the bridge: connect the WhatsApp session, forward inbound messages
to the automation webhook and serve /health, /status and /metrics.

Examples:
  zapbridge serve
  zapbridge serve --config ./zapbridge.yaml -v`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Datastore ──
	hub, err := openHub(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()
	primary := hub.Primary()

	keys := credstore.New(credstore.NewSQLBackend(primary.DB), logger)
	repo := rules.NewRepository(primary.DB, primary.Dialect)
	configs := rules.NewConfigCache(repo, cfg.Rules.CacheTTL)

	// ── Webhook and audit trail ──
	dispatcher := webhook.New(webhook.Config{
		URL:     cfg.Webhook.URL,
		Timeout: cfg.Webhook.Timeout(),
		Secret:  cfg.Webhook.Secret,
	}, logger)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook secret not set, requests carry no x-bridge-secret header")
	}
	auditLog := audit.NewLogger(audit.NewSQLSink(primary.DB), cfg.Audit.QueueSize, logger)

	pipeline := bridge.New(configs, dispatcher, auditLog, logger)

	// ── WhatsApp ──
	transport, err := whatsapp.NewTransport(ctx, string(primary.Dialect), primary.DSN, keys, cfg.Instance, cfg.WhatsApp.Transport, logger)
	if err != nil {
		auditLog.Close(context.Background())
		return fmt.Errorf("starting whatsapp transport: %w", err)
	}
	defer transport.Close()

	sup := supervisor.New(supervisor.Config{
		Instance:     cfg.Instance,
		PairingPhone: cfg.WhatsApp.PairingPhone,
		RestartDelay: cfg.WhatsApp.RestartDelay,
	}, transport, keys, pipeline.Handle, logger,
		supervisor.WithPairingCodeHandler(printPairingCode),
	)

	// ── Gateway ──
	gateway.SetVersion(version)
	gw := gateway.New(cfg.Gateway, sup, hub, logger)
	if err := gw.Start(ctx); err != nil {
		auditLog.Close(context.Background())
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("ZapBridge running. Press Ctrl+C to stop.",
		"version", version,
		"instance", cfg.Instance,
		"datastore", primary.Type,
		"webhook", cfg.Webhook.URL,
	)

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	runErr := awaitSupervisor(ctx, stop, supErr, logger)

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		if err := auditLog.Close(shutdownCtx); err != nil {
			logger.Warn("audit log flush incomplete", "error", err)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit", "after", shutdownTimeout)
	}
	return runErr
}

// awaitSupervisor blocks until a shutdown signal arrives or the supervisor
// returns. A logged out session keeps the process up until the signal; any
// other supervisor error stops the process and is returned.
func awaitSupervisor(ctx context.Context, stop context.CancelFunc, supErr <-chan error, logger *slog.Logger) error {
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping...")
		<-supErr
		return nil
	case err := <-supErr:
		if errors.Is(err, supervisor.ErrLoggedOut) {
			// The gateway keeps reporting logged_out until the operator
			// restarts the process to pair again.
			logger.Error("whatsapp session logged out, restart zapbridge to pair again", "error", err)
			<-ctx.Done()
			return nil
		}
		if err != nil {
			logger.Error("supervisor stopped", "error", err)
			stop()
			return fmt.Errorf("supervisor stopped: %w", err)
		}
		return nil
	}
}

// printPairingCode shows the pairing code prominently on stderr, in addition
// to the structured log line the supervisor emits.
func printPairingCode(phone, code string) {
	bold := color.New(color.FgGreen, color.Bold)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, color.CyanString("WhatsApp pairing code for +%s:", phone))
	bold.Fprintf(os.Stderr, "    %s\n", code)
	fmt.Fprintln(os.Stderr, "Open WhatsApp > Linked devices > Link with phone number and enter the code.")
	fmt.Fprintln(os.Stderr)
	slog.Debug("pairing code displayed", "phone", phone)
}
