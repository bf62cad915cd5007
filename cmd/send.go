package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/gateway"
	"github.com/nextmesh/meshgate/internal/store/sqlite"
)

func sendCmd() *cobra.Command {
	var (
		account string
		to      string
	)
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a text message over the mesh",
		Long:  "Send connects with the account's transport, delivers the text in paced chunks, and disconnects. Without --to the account's default_to target is used.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			acct, err := accounts.ResolveAccount(cfg.Channels.Meshtastic, account)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
			defer cancel()

			send, closeLink, err := gateway.OpenSend(ctx, acct, slog.Default())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer closeLink()

			registry := gateway.NewSendRegistry()
			registry.Install(acct.ID, send)

			db, err := openStore(cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer db.Close()

			res, err := gateway.SendText(ctx, cfg, registry, sqlite.NewActivityStore(db), acct.ID, to, strings.Join(args, " "))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("sent %d chunk(s) to %s via %s\n", res.Chunks, res.Target, res.AccountID)
		},
	}
	cmd.Flags().StringVar(&account, "account", accounts.DefaultAccountID, "account to send through")
	cmd.Flags().StringVar(&to, "to", "", "target node id or channel name (default: account's default_to)")
	return cmd
}
