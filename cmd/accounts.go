package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/gateway"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage Meshtastic accounts",
	}
	cmd.AddCommand(accountsListCmd())
	cmd.AddCommand(accountsSetEnabledCmd("enable", true))
	cmd.AddCommand(accountsSetEnabledCmd("disable", false))
	cmd.AddCommand(accountsDeleteCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			for _, id := range accounts.ListAccountIDs(cfg.Channels.Meshtastic) {
				acct, err := accounts.ResolveAccount(cfg.Channels.Meshtastic, id)
				if err != nil {
					fmt.Printf("%s: %v\n", id, err)
					continue
				}
				printAccount(id, acct)
			}
		},
	}
}

func printAccount(id string, acct accounts.ResolvedAccount) {
	status := "enabled"
	if !acct.Enabled {
		status = "disabled"
	}
	fmt.Printf("%s (%s, transport=%s", id, status, transportOf(acct))
	if acct.ID != id {
		fmt.Printf(", resolves to %s", acct.ID)
	}
	fmt.Println(")")
	if err := accounts.Probe(acct.Config); err != nil {
		fmt.Printf("  not configured: %v\n", err)
	}
	if peers := accounts.ListPeers(acct.Config); len(peers) > 0 {
		fmt.Printf("  peers:  %s\n", strings.Join(peers, ", "))
	}
	if groups := accounts.ListGroups(acct.Config); len(groups) > 0 {
		fmt.Printf("  groups: %s\n", strings.Join(groups, ", "))
	}
	for _, w := range gateway.Warnings(acct.Config) {
		fmt.Printf("  warning: %s\n", w)
	}
}

func accountsSetEnabledCmd(verb string, enabled bool) *cobra.Command {
	short := "Enable an account"
	if !enabled {
		short = "Disable an account"
	}
	return &cobra.Command{
		Use:   verb + " <account>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			if err := accounts.SetAccountEnabled(cfg, args[0], enabled); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			mustSaveConfig(cfg)
			fmt.Printf("account %s %sd\n", args[0], verb)
		},
	}
}

func accountsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account>",
		Short: "Delete a named account",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			if err := accounts.DeleteAccount(cfg, args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			mustSaveConfig(cfg)
			fmt.Printf("account %s deleted\n", args[0])
		},
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	return cfg
}

func mustSaveConfig(cfg *config.Config) {
	if err := config.Save(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to save config:", err)
		os.Exit(1)
	}
}
