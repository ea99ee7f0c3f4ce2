// Package commands implements the zapbridge CLI commands using cobra.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/config"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/database"
)

const logo = `
 ______             ____       _     _
|__  / __ _ _ __   | __ ) _ __(_) __| | __ _  ___
  / / / _' | '_ \  |  _ \| '__| |/ _' |/ _' |/ _ \
 / /_| (_| | |_) | | |_) | |  | | (_| | (_| |  __/
/____|\__,_| .__/  |____/|_|  |_|\__,_|\__, |\___|
           |_|                         |___/
`

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapbridge",
		Short: "ZapBridge - WhatsApp to automation webhook bridge",
		Long: color.CyanString(logo) + `
ZapBridge forwards WhatsApp messages to a workflow-automation webhook,
decides per chat whether to automate, and sends the webhook's reply back.

Examples:
  zapbridge serve
  zapbridge migrate
  zapbridge rules set 120363025246125244@g.us mentionOnly
  zapbridge secret set webhook_secret`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newMigrateCmd(),
		newStatusCmd(),
		newRulesCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig resolves the configuration and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	cfg, used, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := config.NewLogger(cfg.Logging, verbose, os.Stdout)
	slog.SetDefault(logger)
	if used != "" {
		logger.Debug("config loaded", "path", used)
	}
	return cfg, logger, nil
}

// openHub opens the datastore described by cfg.
func openHub(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Hub, error) {
	hub, err := database.NewHub(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}
	return hub, nil
}
