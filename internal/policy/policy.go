package policy

import (
	"regexp"
	"strings"

	"github.com/nextmesh/meshgate/internal/config"
)

// DM policy values.
const (
	DMPairing   = "pairing"
	DMAllowlist = "allowlist"
	DMOpen      = "open"
	DMDisabled  = "disabled"
)

// Group policy values.
const (
	GroupOpen      = "open"
	GroupAllowlist = "allowlist"
	GroupDisabled  = "disabled"
)

// DMDecision is the outcome of the direct-message gate.
type DMDecision int

const (
	DMReject DMDecision = iota
	DMAccept
	DMNeedsPairing // unknown sender under the pairing policy
)

// NormalizeTarget canonicalizes a send destination. The "meshtastic:" and
// "user:" prefixes are stripped, "channel:<name>" resolves to the bare
// channel name, node references canonicalize to "!xxxxxxxx", and anything
// else passes through as a channel name. ok is false when nothing usable
// remains or a "!" reference fails to parse.
func NormalizeTarget(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if rest, found := cutPrefixFold(s, "meshtastic:"); found {
		s = strings.TrimSpace(rest)
	}
	if rest, found := cutPrefixFold(s, "channel:"); found {
		name := strings.TrimSpace(rest)
		return name, name != ""
	}
	if rest, found := cutPrefixFold(s, "user:"); found {
		s = strings.TrimSpace(rest)
	}
	if s == "" {
		return "", false
	}
	if id, ok := NormalizeNodeID(s); ok {
		return id, true
	}
	if strings.HasPrefix(s, "!") {
		return "", false
	}
	return s, true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// DMGate decides whether a direct message from sender is admitted.
// paired holds pairing-store approvals merged with the static allowlist.
func DMGate(dmPolicy string, allowFrom []string, paired []string, sender string) DMDecision {
	switch dmPolicy {
	case DMDisabled:
		return DMReject
	case DMOpen:
		return DMAccept
	case DMAllowlist:
		if AllowlistMatch(allowFrom, sender) {
			return DMAccept
		}
		return DMReject
	default: // pairing is the default policy
		if AllowlistMatch(allowFrom, sender) || AllowlistMatch(paired, sender) {
			return DMAccept
		}
		return DMNeedsPairing
	}
}

// GroupMatch is the result of looking a mesh channel name up in the
// account's channel table. Config is the named entry (exact, then
// case-insensitive); Wildcard is the "*" entry, carried separately so
// callers can layer named settings over catch-all settings.
type GroupMatch struct {
	Matched             bool
	Config              *config.ChannelConfig
	Wildcard            *config.ChannelConfig
	HasConfiguredGroups bool
}

// MatchGroup looks up the config for a mesh channel name.
func MatchGroup(channels map[string]config.ChannelConfig, name string) GroupMatch {
	m := GroupMatch{HasConfiguredGroups: len(channels) > 0}
	if wc, ok := channels[Wildcard]; ok {
		c := wc
		m.Wildcard = &c
	}
	if direct, ok := channels[name]; ok && name != Wildcard {
		c := direct
		m.Matched = true
		m.Config = &c
		return m
	}
	lower := strings.ToLower(name)
	for k, v := range channels {
		if k != Wildcard && strings.ToLower(k) == lower {
			c := v
			m.Matched = true
			m.Config = &c
			return m
		}
	}
	if m.Wildcard != nil {
		m.Matched = true
	}
	return m
}

// GroupAccessGate decides whether a group message on the matched channel is
// admitted at all, before sender and mention gating. reason is a short
// machine-readable label for drop logs.
func GroupAccessGate(groupPolicy string, m GroupMatch) (allowed bool, reason string) {
	policy := groupPolicy
	if policy == "" {
		policy = GroupDisabled
	}
	if policy == GroupDisabled {
		return false, "groupPolicy=disabled"
	}
	if policy == GroupAllowlist {
		if !m.HasConfiguredGroups {
			return false, "groupPolicy=allowlist and no channels configured"
		}
		if !m.Matched {
			return false, "not allowlisted"
		}
	}
	if (m.Config != nil && m.Config.Enabled != nil && !*m.Config.Enabled) ||
		(m.Wildcard != nil && m.Wildcard.Enabled != nil && !*m.Wildcard.Enabled) {
		return false, "disabled"
	}
	if policy == GroupOpen {
		return true, "open"
	}
	return true, "allowlisted"
}

// GroupSenderAllowed applies the sender allowlists: the channel's own list
// first, then the account-wide group list. With neither configured only the
// open policy admits.
func GroupSenderAllowed(groupPolicy string, inner, outer []string, sender string) bool {
	if len(inner) > 0 {
		return AllowlistMatch(inner, sender)
	}
	if len(outer) > 0 {
		return AllowlistMatch(outer, sender)
	}
	return groupPolicy == GroupOpen
}

// ChannelAllowFrom picks the per-channel sender allowlist: the named
// entry's list when set, otherwise the wildcard entry's.
func ChannelAllowFrom(m GroupMatch) []string {
	if m.Config != nil && len(m.Config.AllowFrom) > 0 {
		return NormalizeAllowlist(m.Config.AllowFrom)
	}
	if m.Wildcard != nil && len(m.Wildcard.AllowFrom) > 0 {
		return NormalizeAllowlist(m.Wildcard.AllowFrom)
	}
	return nil
}

// ChannelTools picks the tool policy for the matched channel. The named
// entry wins when it sets either list, otherwise the wildcard entry's
// policy applies.
func ChannelTools(m GroupMatch) (allow, deny []string) {
	if m.Config != nil && (len(m.Config.ToolsAllow) > 0 || len(m.Config.ToolsDeny) > 0) {
		return m.Config.ToolsAllow, m.Config.ToolsDeny
	}
	if m.Wildcard != nil {
		return m.Wildcard.ToolsAllow, m.Wildcard.ToolsDeny
	}
	return nil, nil
}

// RequireMention reports whether messages on the matched channel need a
// mention. The named entry wins, then the wildcard entry, then true.
func RequireMention(m GroupMatch) bool {
	if m.Config != nil && m.Config.RequireMention != nil {
		return *m.Config.RequireMention
	}
	if m.Wildcard != nil && m.Wildcard.RequireMention != nil {
		return *m.Wildcard.RequireMention
	}
	return true
}

// MentionGate decides whether a message is skipped for lack of a mention.
// Direct messages never need one; authorized control commands bypass it.
func MentionGate(isGroup, requireMention, wasMentioned, hasControlCommand, allowTextCommands, commandAuthorized bool) (skip bool, reason string) {
	if !isGroup {
		return false, "direct"
	}
	if !requireMention {
		return false, "mention-not-required"
	}
	if wasMentioned {
		return false, "mentioned"
	}
	if hasControlCommand && allowTextCommands && commandAuthorized {
		return false, "authorized-command"
	}
	return true, "missing-mention"
}

// MentionPatterns returns the account's mention patterns, adding the
// "@NodeName" form derived from the configured node name.
func MentionPatterns(acct config.AccountConfig) []string {
	patterns := append([]string(nil), acct.MentionPatterns...)
	if acct.NodeName != "" {
		patterns = append(patterns, "@"+acct.NodeName)
	}
	return patterns
}

// ControlCommandGate decides whether the sender may run slash commands.
// With access groups on and an allowlist configured, authorization follows
// the allowlist; otherwise commands are open. shouldBlock marks a command
// from an unauthorized sender.
func ControlCommandGate(useAccessGroups, listConfigured, senderAllowed, allowTextCommands, hasControlCommand bool) (authorized, shouldBlock bool) {
	authorized = true
	if useAccessGroups && listConfigured {
		authorized = senderAllowed
	}
	shouldBlock = hasControlCommand && allowTextCommands && !authorized
	return authorized, shouldBlock
}

// MatchesMention reports whether text contains any of the patterns,
// case-insensitively.
func MatchesMention(text string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// HasControlCommand reports whether the first line of text is a slash
// command like "/status".
func HasControlCommand(text string) bool {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "/") && len(line) > 1 && line[1] != '/'
}
