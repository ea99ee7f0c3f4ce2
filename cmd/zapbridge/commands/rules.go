package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/rules"
)

// newRulesCmd creates the `zapbridge rules` command group.
func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit automation rules",
		Long: `Inspect and edit the automation settings and per-chat overrides.

Examples:
  zapbridge rules list
  zapbridge rules set 5511987654321 enabled --name "Maria"
  zapbridge rules set 120363025246125244@g.us mentionOnly
  zapbridge rules settings --contacts-mode denylist --groups-default disabled`,
	}
	cmd.AddCommand(newRulesListCmd(), newRulesSetCmd(), newRulesSettingsCmd())
	return cmd
}

// withRepository opens the datastore and hands a repository to fn.
func withRepository(cmd *cobra.Command, fn func(*rules.Repository) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hub, err := openHub(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer hub.Close()
	primary := hub.Primary()
	return fn(rules.NewRepository(primary.DB, primary.Dialect))
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show settings and every override",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRepository(cmd, func(repo *rules.Repository) error {
				rc, err := repo.Load(cmd.Context())
				if err != nil {
					return err
				}
				s := rc.Settings
				fmt.Printf("contacts mode:      %s\n", s.ContactsMode)
				fmt.Printf("groups default:     %s\n", s.GroupsDefaultRule)
				fmt.Printf("ignore from self:   %t\n", s.IgnoreFromSelf)
				fmt.Printf("reply destination:  %s\n", s.ReplyDestination)
				fmt.Printf("reply prefix:       %q\n\n", s.ReplyPrefix)

				list, err := repo.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tID\tNAME\tRULE")
				for _, e := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Kind, e.Identifier, e.DisplayName, e.Rule)
				}
				return w.Flush()
			})
		},
	}
}

func newRulesSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <id> <default|enabled|disabled|mentionOnly>",
		Short: "Set the override of a contact or group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, rule := args[0], rules.Rule(args[1])
			if !rule.Valid() {
				return fmt.Errorf("invalid rule %q", args[1])
			}
			kind := rules.KindContact
			if strings.HasSuffix(id, "@g.us") {
				kind = rules.KindGroup
			}
			name, _ := cmd.Flags().GetString("name")

			return withRepository(cmd, func(repo *rules.Repository) error {
				if name != "" {
					if err := repo.UpsertEntity(cmd.Context(), id, kind, name); err != nil {
						return err
					}
				}
				if err := repo.SetRule(cmd.Context(), id, kind, rule); err != nil {
					return err
				}
				fmt.Printf("%s %s set to %s\n", kind, rules.NormalizeID(id), rule)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "display name of the contact or group")
	return cmd
}

func newRulesSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Update the global automation settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRepository(cmd, func(repo *rules.Repository) error {
				rc, err := repo.Load(cmd.Context())
				if err != nil {
					return err
				}
				s := rc.Settings
				flags := cmd.Flags()

				if flags.Changed("contacts-mode") {
					v, _ := flags.GetString("contacts-mode")
					s.ContactsMode = rules.ContactsMode(v)
					if s.ContactsMode != rules.ContactsAllowlist && s.ContactsMode != rules.ContactsDenylist {
						return fmt.Errorf("invalid contacts mode %q", v)
					}
				}
				if flags.Changed("groups-default") {
					v, _ := flags.GetString("groups-default")
					s.GroupsDefaultRule = rules.Rule(v)
					if !s.GroupsDefaultRule.Valid() || s.GroupsDefaultRule == rules.RuleDefault {
						return fmt.Errorf("invalid groups default %q", v)
					}
				}
				if flags.Changed("reply-destination") {
					v, _ := flags.GetString("reply-destination")
					s.ReplyDestination = rules.ReplyDestination(v)
					if !s.ReplyDestination.Valid() {
						return fmt.Errorf("invalid reply destination %q", v)
					}
				}
				if flags.Changed("reply-prefix") {
					s.ReplyPrefix, _ = flags.GetString("reply-prefix")
				}
				if flags.Changed("ignore-from-self") {
					s.IgnoreFromSelf, _ = flags.GetBool("ignore-from-self")
				}

				if err := repo.UpdateSettings(cmd.Context(), s); err != nil {
					return err
				}
				fmt.Println("settings updated")
				return nil
			})
		},
	}
	cmd.Flags().String("contacts-mode", "", "allowlist or denylist")
	cmd.Flags().String("groups-default", "", "enabled, disabled or mentionOnly")
	cmd.Flags().String("reply-destination", "", "sameChat or directToSender")
	cmd.Flags().String("reply-prefix", "", "text prepended to every automated reply")
	cmd.Flags().Bool("ignore-from-self", true, "skip messages sent by the linked account")
	return cmd
}
