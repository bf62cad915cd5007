// Package policy implements mesh sender admission: node id normalization,
// DM and group allowlist gates, and mention detection.
package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard matches any sender in an allowlist.
const Wildcard = "*"

// NodeNumToHex formats a node number in canonical id form,
// "!" followed by 8 lowercase hex digits.
func NodeNumToHex(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// HexToNodeNum parses a canonical or bare-hex node id back to its number.
func HexToNodeNum(id string) (uint32, error) {
	s := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(id)), "!")
	if s == "" {
		return 0, fmt.Errorf("empty node id")
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse node id %q: %w", id, err)
	}
	return uint32(n), nil
}

// NormalizeNodeID canonicalizes a node reference. It accepts "!hex", bare
// hex with a-f digits, or a decimal node number, and returns the canonical
// "!xxxxxxxx" form. ok is false when the input fits no recognized shape.
func NormalizeNodeID(raw string) (string, bool) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "!") {
		body := s[1:]
		if !isHex(body) || len(body) == 0 || len(body) > 8 {
			return "", false
		}
		n, err := strconv.ParseUint(body, 16, 32)
		if err != nil {
			return "", false
		}
		return NodeNumToHex(uint32(n)), true
	}
	if isDecimal(s) {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return "", false
		}
		return NodeNumToHex(uint32(n)), true
	}
	// Bare hex only counts when it could not be a decimal numeral,
	// so "1234" is a node number and "12ab" is hex.
	if isHex(s) && len(s) <= 8 {
		n, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return "", false
		}
		return NodeNumToHex(uint32(n)), true
	}
	return "", false
}

// LooksLikeNodeID reports whether raw is plausibly a node reference.
func LooksLikeNodeID(raw string) bool {
	_, ok := NormalizeNodeID(raw)
	return ok
}

// NormalizeAllowEntry canonicalizes a single allowlist entry. The wildcard
// passes through; node references are normalized; anything else is kept
// trimmed and lowercased so display-name entries still compare stably.
func NormalizeAllowEntry(raw string) string {
	s := strings.TrimSpace(raw)
	if s == Wildcard {
		return Wildcard
	}
	if id, ok := NormalizeNodeID(s); ok {
		return id
	}
	return strings.ToLower(s)
}

// NormalizeAllowlist canonicalizes every entry, dropping empties.
func NormalizeAllowlist(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := NormalizeAllowEntry(e)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// AllowlistMatch reports whether sender (any accepted node id shape) is
// covered by the allowlist, honoring the wildcard entry.
func AllowlistMatch(allowlist []string, sender string) bool {
	id, ok := NormalizeNodeID(sender)
	if !ok {
		id = strings.ToLower(strings.TrimSpace(sender))
	}
	for _, e := range allowlist {
		n := NormalizeAllowEntry(e)
		if n == Wildcard || n == id {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
