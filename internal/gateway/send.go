package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/policy"
	"github.com/nextmesh/meshgate/internal/store"
)

// SendResult reports a completed ad hoc send.
type SendResult struct {
	MessageID string
	AccountID string
	Target    string
	Chunks    int
}

// SendText is the out-of-band send path: deliver text to a node or channel
// through the account's active connection, chunked and paced like a reply.
// An empty target falls back to the account's default_to. activity may be
// nil when no store is open.
func SendText(ctx context.Context, cfg *config.Config, registry *SendRegistry, activity store.ActivityStore, accountID, target, text string) (SendResult, error) {
	acct, err := accounts.ResolveAccount(cfg.Channels.Meshtastic, accountID)
	if err != nil {
		return SendResult{}, err
	}
	if err := accounts.Probe(acct.Config); err != nil {
		return SendResult{}, fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, fmt.Errorf("empty message")
	}

	if target == "" {
		target = acct.Config.DefaultTo
	}
	if target == "" {
		return SendResult{}, fmt.Errorf("no target and no default_to configured")
	}
	norm, ok := policy.NormalizeTarget(target)
	if !ok {
		return SendResult{}, fmt.Errorf("invalid target %q", target)
	}
	target = norm
	opts := SendOptions{}
	if !strings.HasPrefix(target, "!") {
		// Not a node reference: deliver to the mesh channel by name.
		opts.ChannelName = target
	}

	send, err := registry.Lookup(acct.ID)
	if err != nil {
		return SendResult{}, err
	}

	limit := acct.Config.TextChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	chunks := ChunkText(text, limit)
	pacer := NewPacer()
	for _, chunk := range chunks {
		if len(chunks) > 1 {
			if err := pacer.Wait(ctx); err != nil {
				return SendResult{}, err
			}
		}
		if err := send(ctx, target, chunk, opts); err != nil {
			return SendResult{}, fmt.Errorf("send: %w", err)
		}
	}
	if activity != nil {
		// Bookkeeping only; the chunks are already on the air.
		_ = activity.Record(ChannelID, acct.ID, "outbound", target)
	}
	return SendResult{MessageID: uuid.NewString(), AccountID: acct.ID, Target: target, Chunks: len(chunks)}, nil
}

// Warnings surfaces risky account settings for operator commands.
func Warnings(acct config.AccountConfig) []string {
	var out []string
	if acct.GroupPolicy == policy.GroupOpen {
		out = append(out, "group_policy=open admits every sender on matched channels")
	}
	if acct.Transport == config.TransportMQTT {
		if acct.MQTT == nil || !acct.MQTT.TLS {
			out = append(out, "mqtt without tls sends broker credentials in plaintext")
		}
	}
	if acct.DMPolicy == policy.DMOpen {
		out = append(out, "dm_policy=open responds to any node on the mesh")
	}
	return out
}
