package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/policy"
	"github.com/nextmesh/meshgate/internal/store"
)

// ChannelID namespaces pairing approvals, session keys and activity rows.
const ChannelID = "meshtastic"

// InboundMessage is the canonical message built from either transport.
type InboundMessage struct {
	SenderNodeID string
	SenderName   string
	Text         string
	ChannelIndex uint8
	ChannelName  string
	IsGroup      bool
	MessageID    string
	Timestamp    time.Time
}

// channelLabel names the mesh channel for matching and logs.
func (m InboundMessage) channelLabel() string {
	if m.ChannelName != "" {
		return m.ChannelName
	}
	return fmt.Sprintf("channel-%d", m.ChannelIndex)
}

func (m InboundMessage) senderDisplay() string {
	if m.SenderName != "" {
		return fmt.Sprintf("%s (%s)", m.SenderName, m.SenderNodeID)
	}
	return m.SenderNodeID
}

// InboundHandler runs the admission sequence for one account and forwards
// admitted messages to the reply pipeline.
type InboundHandler struct {
	Log      *slog.Logger
	Account  accounts.ResolvedAccount
	Commands config.CommandsConfig
	Pairing  store.PairingStore
	Activity store.ActivityStore
	Pipeline Pipeline
	// Send transmits one chunk over the account's transport.
	Send SendFunc
	// ChunkDelay overrides the inter-chunk pacing, for tests.
	ChunkDelay time.Duration
}

// Handle admits or drops one inbound message. Drops are not errors; the
// returned error covers pipeline and store failures only.
func (h *InboundHandler) Handle(ctx context.Context, msg InboundMessage) error {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	acct := h.Account.Config

	rawBody := strings.TrimSpace(msg.Text)
	if rawBody == "" {
		return nil
	}

	if h.Activity != nil {
		kind := "direct"
		if msg.IsGroup {
			kind = "group"
		}
		if err := h.Activity.Record(ChannelID, h.Account.ID, "inbound:"+kind, msg.SenderNodeID); err != nil {
			log.Warn("activity record failed", "error", err)
		}
	}

	dmPolicy := acct.DMPolicy
	if dmPolicy == "" {
		dmPolicy = policy.DMPairing
	}
	groupPolicy := acct.GroupPolicy

	configAllowFrom := policy.NormalizeAllowlist(acct.AllowFrom)
	configGroupAllowFrom := policy.NormalizeAllowlist(acct.GroupAllowFrom)

	// The pairing store only augments the allowlist outside the strict
	// allowlist policy.
	var storeAllow []string
	if dmPolicy != policy.DMAllowlist && h.Pairing != nil {
		fromStore, err := h.Pairing.AllowFrom(ChannelID)
		if err != nil {
			log.Warn("pairing allowlist read failed", "error", err)
		} else {
			storeAllow = policy.NormalizeAllowlist(fromStore)
		}
	}
	effectiveAllowFrom := append(append([]string(nil), configAllowFrom...), storeAllow...)

	label := msg.channelLabel()
	match := policy.MatchGroup(acct.MeshChannels, label)

	if msg.IsGroup {
		if allowed, reason := policy.GroupAccessGate(groupPolicy, match); !allowed {
			log.Info("drop group message", "mesh_channel", label, "reason", reason)
			return nil
		}
	}

	innerAllowFrom := policy.ChannelAllowFrom(match)

	allowTextCommands := h.Commands.TextCommandsEnabled()
	useAccessGroups := h.Commands.AccessGroupsEnabled()
	commandList := effectiveAllowFrom
	if msg.IsGroup {
		commandList = configGroupAllowFrom
	}
	senderAllowedForCommands := policy.AllowlistMatch(commandList, msg.SenderNodeID)
	hasControlCommand := policy.HasControlCommand(rawBody)
	commandAuthorized, shouldBlock := policy.ControlCommandGate(
		useAccessGroups, len(commandList) > 0, senderAllowedForCommands,
		allowTextCommands, hasControlCommand)

	if msg.IsGroup {
		if !policy.GroupSenderAllowed(groupPolicy, innerAllowFrom, configGroupAllowFrom, msg.SenderNodeID) {
			log.Info("drop group sender", "sender", msg.senderDisplay(), "policy", groupPolicy)
			return nil
		}
	} else {
		switch policy.DMGate(dmPolicy, effectiveAllowFrom, nil, msg.SenderNodeID) {
		case policy.DMAccept:
		case policy.DMReject:
			log.Info("drop direct message", "sender", msg.senderDisplay(), "dm_policy", dmPolicy)
			return nil
		case policy.DMNeedsPairing:
			h.handlePairingRequest(ctx, msg, log)
			log.Info("drop direct message", "sender", msg.senderDisplay(), "dm_policy", dmPolicy)
			return nil
		}
	}

	if msg.IsGroup && shouldBlock {
		log.Info("drop inbound", "reason", "control command (unauthorized)", "sender", msg.senderDisplay())
		return nil
	}

	wasMentioned := policy.MatchesMention(rawBody, policy.MentionPatterns(acct))
	requireMention := false
	if msg.IsGroup {
		requireMention = policy.RequireMention(match)
	}
	if skip, reason := policy.MentionGate(msg.IsGroup, requireMention, wasMentioned,
		hasControlCommand, allowTextCommands, commandAuthorized); skip {
		log.Info("drop group message", "mesh_channel", label, "reason", reason)
		return nil
	}

	kind := "direct"
	peer := msg.SenderNodeID
	if msg.IsGroup {
		kind = "group"
		peer = label
	}

	c := &Context{
		Body:              rawBody,
		RawBody:           rawBody,
		From:              fmt.Sprintf("%s:%s", ChannelID, peer),
		To:                fmt.Sprintf("%s:%s", ChannelID, peer),
		ChatType:          kind,
		SessionKey:        fmt.Sprintf("%s:%s:%s:%s", ChannelID, h.Account.ID, kind, peer),
		AccountID:         h.Account.ID,
		SenderName:        msg.SenderName,
		SenderID:          msg.SenderNodeID,
		WasMentioned:      wasMentioned,
		CommandAuthorized: commandAuthorized,
		MessageID:         msg.MessageID,
		Timestamp:         msg.Timestamp,
	}
	if msg.IsGroup {
		c.From = fmt.Sprintf("%s:channel:%s", ChannelID, label)
		c.GroupSubject = label
		if match.Config != nil {
			c.GroupSystemPrompt = strings.TrimSpace(match.Config.SystemPrompt)
		}
		c.GroupToolsAllow, c.GroupToolsDeny = policy.ChannelTools(match)
	}

	deliver := h.deliverer(peer, msg)
	if err := h.Pipeline.HandleInbound(ctx, c, deliver); err != nil {
		return fmt.Errorf("reply pipeline: %w", err)
	}
	return nil
}

// deliverer chunks and paces one logical reply to the message's origin.
func (h *InboundHandler) deliverer(target string, msg InboundMessage) DeliverFunc {
	opts := SendOptions{}
	if msg.IsGroup {
		opts.ChannelIndex = msg.ChannelIndex
		opts.ChannelName = msg.ChannelName
	}
	return func(ctx context.Context, text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		if prefix := h.Account.Config.ResponsePrefix; prefix != "" {
			text = prefix + text
		}
		limit := h.Account.Config.TextChunkLimit
		if limit <= 0 {
			limit = DefaultChunkLimit
		}
		chunks := ChunkText(text, limit)
		delay := h.ChunkDelay
		if delay <= 0 {
			delay = interChunkDelay
		}
		pacer := newPacer(delay)
		for _, chunk := range chunks {
			if len(chunks) > 1 {
				if err := pacer.Wait(ctx); err != nil {
					return err
				}
			}
			if err := h.Send(ctx, target, chunk, opts); err != nil {
				return fmt.Errorf("send chunk: %w", err)
			}
		}
		if h.Activity != nil {
			if err := h.Activity.Record(ChannelID, h.Account.ID, "outbound", target); err != nil {
				h.logWarn("activity record failed", "error", err)
			}
		}
		return nil
	}
}

func (h *InboundHandler) logWarn(msg string, args ...any) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn(msg, args...)
}

// handlePairingRequest records the unknown sender and, the first time,
// replies with the pairing code. The message itself is always dropped.
func (h *InboundHandler) handlePairingRequest(ctx context.Context, msg InboundMessage, log *slog.Logger) {
	if h.Pairing == nil {
		return
	}
	nodeID, ok := policy.NormalizeNodeID(msg.SenderNodeID)
	if !ok {
		nodeID = strings.ToLower(msg.SenderNodeID)
	}
	code, created, err := h.Pairing.UpsertRequest(ChannelID, nodeID, store.PairingMeta{Name: msg.SenderName})
	if err != nil {
		log.Warn("pairing request failed", "sender", nodeID, "error", err)
		return
	}
	if !created {
		return
	}
	reply := fmt.Sprintf(
		"Pairing request received.\nYour node ID: %s\nPairing code: %s\nAsk the gateway operator to approve it.",
		nodeID, code)
	deliver := h.deliverer(msg.SenderNodeID, InboundMessage{})
	if err := deliver(ctx, reply); err != nil {
		log.Warn("pairing reply failed", "sender", msg.senderDisplay(), "error", err)
	}
}
