package commands

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/config"
)

// newSecretCmd creates the `zapbridge secret` command group.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: `Store secrets in the OS keyring instead of config.yaml or the environment.
Known names: ` + strings.Join(config.KnownSecrets, ", "),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret (reads stdin when value is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !slices.Contains(config.KnownSecrets, name) {
				return fmt.Errorf("unknown secret %q (known: %s)", name, strings.Join(config.KnownSecrets, ", "))
			}
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading secret from stdin: %w", err)
				}
				value = strings.TrimSpace(line)
			}
			if value == "" {
				return fmt.Errorf("empty secret")
			}
			if err := config.StoreSecret(name, value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Printf("secret %s stored in keyring\n", name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteSecret(args[0]); err != nil {
				return fmt.Errorf("deleting secret: %w", err)
			}
			fmt.Printf("secret %s deleted\n", args[0])
			return nil
		},
	})

	return cmd
}
