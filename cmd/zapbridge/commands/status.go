package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

// newStatusCmd creates the `zapbridge status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show datastore health and stored session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			hub, err := openHub(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer hub.Close()

			ok := color.GreenString("ok")
			for name, h := range hub.Status(ctx) {
				state := ok
				if !h.Healthy {
					state = color.RedString("unhealthy: %s", h.Error)
				}
				fmt.Printf("datastore %-8s %s (version %s, latency %s)\n", name, state, h.Version, h.Latency)
			}

			store := credstore.New(credstore.NewSQLBackend(hub.Primary().DB), logger)
			instances, err := store.Instances(ctx)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Println("no stored sessions")
				return nil
			}
			for _, inst := range instances {
				creds, err := store.LoadCredentials(ctx, inst)
				if err != nil {
					return err
				}
				if !creds.Registered {
					fmt.Printf("instance %-12s %s\n", inst, color.YellowString("not paired"))
					continue
				}
				fmt.Printf("instance %-12s %s as %s (%s) since %s\n", inst, ok,
					creds.DeviceJID, creds.PushName, creds.RegisteredAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
