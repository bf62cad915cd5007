package gateway

import (
	"context"

	"github.com/nextmesh/meshgate/internal/store"
)

// pairingApprovedNotice is sent to a node once its code is approved.
const pairingApprovedNotice = "Pairing approved. You can message this gateway now."

// ApprovePairing promotes the request matching code to the allowlist and,
// when the account has an active send handle, notifies the node. The
// notification is best-effort; approval stands even if delivery fails.
func ApprovePairing(ctx context.Context, st store.PairingStore, registry *SendRegistry, accountID, code string) (string, error) {
	nodeID, err := st.Approve(ChannelID, code)
	if err != nil {
		return "", err
	}
	if registry != nil {
		if send, err := registry.Lookup(accountID); err == nil {
			_ = send(ctx, nodeID, pairingApprovedNotice, SendOptions{})
		}
	}
	return nodeID, nil
}
