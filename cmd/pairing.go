package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/gateway"
	"github.com/nextmesh/meshgate/internal/store/sqlite"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage direct-message pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		Run: func(cmd *cobra.Command, args []string) {
			st, closeStore := mustOpenPairingStore()
			defer closeStore()
			reqs, err := st.ListRequests(gateway.ChannelID)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if len(reqs) == 0 {
				fmt.Println("no pending pairing requests")
				return
			}
			for _, r := range reqs {
				name := r.Name
				if name == "" {
					name = "-"
				}
				fmt.Printf("%s  %s  %s  %s\n", r.Code, r.NodeID, name, r.CreatedAt.Format("2006-01-02 15:04"))
			}
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing request by code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st, closeStore := mustOpenPairingStore()
			defer closeStore()
			// The CLI runs outside the gateway process, so there is no
			// live send handle here; the node learns of the approval on
			// its next message.
			nodeID, err := gateway.ApprovePairing(context.Background(), st, nil, account, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("approved %s\n", nodeID)
		},
	}
	cmd.Flags().StringVar(&account, "account", accounts.DefaultAccountID, "account the approval applies to")
	return cmd
}

func mustOpenPairingStore() (*sqlite.PairingStore, func()) {
	cfg := mustLoadConfig()
	db, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open store:", err)
		os.Exit(1)
	}
	return sqlite.NewPairingStore(db), func() { db.Close() }
}
