package accounts

import (
	"sort"

	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/policy"
)

// RunnableAccounts resolves every account a gateway process should run.
// The default account is skipped when it is not configured itself and named
// accounts exist, so a fallback-resolved device is never driven twice.
// Disabled accounts are included; callers decide how to report them.
func RunnableAccounts(m config.MeshtasticConfig) []ResolvedAccount {
	var out []ResolvedAccount
	for _, id := range ListAccountIDs(m) {
		if id == DefaultAccountID && Probe(m.AccountConfig) != nil && len(m.Accounts) > 0 {
			continue
		}
		acct, err := ResolveAccount(m, id)
		if err != nil {
			continue
		}
		out = append(out, acct)
	}
	return out
}

// ListPeers returns the normalized direct-message allowlist for display.
func ListPeers(acct config.AccountConfig) []string {
	peers := policy.NormalizeAllowlist(acct.AllowFrom)
	sort.Strings(peers)
	return peers
}

// ListGroups returns the configured mesh channel names, sorted, with the
// wildcard entry last.
func ListGroups(acct config.AccountConfig) []string {
	var names []string
	wildcard := false
	for name := range acct.MeshChannels {
		if name == policy.Wildcard {
			wildcard = true
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if wildcard {
		names = append(names, policy.Wildcard)
	}
	return names
}
