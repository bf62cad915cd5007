package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/gateway"
)

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [account]",
		Short: "Check an account's transport settings",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := accounts.DefaultAccountID
			if len(args) == 1 {
				id = args[0]
			}
			cfg := mustLoadConfig()
			acct, err := accounts.ResolveAccount(cfg.Channels.Meshtastic, id)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := accounts.Probe(acct.Config); err != nil {
				fmt.Printf("%s: not configured: %v\n", acct.ID, err)
				os.Exit(1)
			}
			fmt.Printf("%s: ok (transport=%s)\n", acct.ID, transportOf(acct))
			if !acct.Enabled {
				fmt.Println("  note: account is disabled")
			}
			for _, w := range gateway.Warnings(acct.Config) {
				fmt.Printf("  warning: %s\n", w)
			}
		},
	}
}

func transportOf(acct accounts.ResolvedAccount) string {
	if acct.Config.Transport == "" {
		return "serial"
	}
	return string(acct.Config.Transport)
}
