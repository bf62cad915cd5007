// Package accounts resolves per-account Meshtastic settings from the
// layered configuration: channel-wide base fields, then the named
// account's overrides on top.
package accounts

import (
	"fmt"
	"sort"

	"github.com/nextmesh/meshgate/internal/config"
)

// DefaultAccountID names the implicit account formed by the channel-wide
// base fields.
const DefaultAccountID = "default"

// ResolvedAccount is a fully merged account ready for use.
type ResolvedAccount struct {
	ID      string
	Config  config.AccountConfig
	Enabled bool
}

// ListAccountIDs returns all configured account ids, default first, the
// rest sorted.
func ListAccountIDs(m config.MeshtasticConfig) []string {
	ids := []string{DefaultAccountID}
	named := make([]string, 0, len(m.Accounts))
	for id := range m.Accounts {
		if id != DefaultAccountID {
			named = append(named, id)
		}
	}
	sort.Strings(named)
	return append(ids, named...)
}

// ResolveAccount merges the base fields with the named account's overrides.
// An empty id resolves the default account; when the default account is not
// configured, the first named account (sorted) stands in, provided it is
// configured itself.
func ResolveAccount(m config.MeshtasticConfig, id string) (ResolvedAccount, error) {
	if id == "" {
		id = DefaultAccountID
	}
	if id == DefaultAccountID {
		base := m.AccountConfig
		if Probe(base) != nil {
			if alt, ok := fallbackAccount(m); ok {
				return alt, nil
			}
		}
		return ResolvedAccount{
			ID:      DefaultAccountID,
			Config:  base,
			Enabled: sectionEnabled(m),
		}, nil
	}
	return resolveNamed(m, id)
}

func resolveNamed(m config.MeshtasticConfig, id string) (ResolvedAccount, error) {
	over, ok := m.Accounts[id]
	if !ok {
		return ResolvedAccount{}, fmt.Errorf("account %q not configured", id)
	}
	merged := mergeAccount(m.AccountConfig, over)
	return ResolvedAccount{
		ID:      id,
		Config:  merged,
		Enabled: sectionEnabled(m) && (merged.Enabled == nil || *merged.Enabled),
	}, nil
}

// sectionEnabled is the channel-section switch. A per-account enabled flag
// cannot re-enable a disabled section.
func sectionEnabled(m config.MeshtasticConfig) bool {
	return m.AccountConfig.Enabled == nil || *m.AccountConfig.Enabled
}

// fallbackAccount resolves the first named account in sorted order. It is
// only usable as a stand-in for the default account when configured.
func fallbackAccount(m config.MeshtasticConfig) (ResolvedAccount, bool) {
	var ids []string
	for id := range m.Accounts {
		if id != DefaultAccountID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ResolvedAccount{}, false
	}
	sort.Strings(ids)
	acct, err := resolveNamed(m, ids[0])
	if err != nil || Probe(acct.Config) != nil {
		return ResolvedAccount{}, false
	}
	return acct, true
}

// mergeAccount overlays the account's explicitly set fields on the base.
// The MQTT sub-object merges field by field.
func mergeAccount(base, over config.AccountConfig) config.AccountConfig {
	out := base
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.Transport != "" {
		out.Transport = over.Transport
	}
	if over.NodeName != "" {
		out.NodeName = over.NodeName
	}
	if over.Region != "" {
		out.Region = over.Region
	}
	if over.SerialPort != "" {
		out.SerialPort = over.SerialPort
	}
	if over.TCPAddress != "" {
		out.TCPAddress = over.TCPAddress
	}
	if over.TCPTLS {
		out.TCPTLS = true
	}
	out.MQTT = mergeMQTT(base.MQTT, over.MQTT)
	if over.DMPolicy != "" {
		out.DMPolicy = over.DMPolicy
	}
	if len(over.AllowFrom) > 0 {
		out.AllowFrom = over.AllowFrom
	}
	if over.DefaultTo != "" {
		out.DefaultTo = over.DefaultTo
	}
	if over.GroupPolicy != "" {
		out.GroupPolicy = over.GroupPolicy
	}
	if len(over.GroupAllowFrom) > 0 {
		out.GroupAllowFrom = over.GroupAllowFrom
	}
	if len(over.MeshChannels) > 0 {
		out.MeshChannels = over.MeshChannels
	}
	if len(over.MentionPatterns) > 0 {
		out.MentionPatterns = over.MentionPatterns
	}
	if over.TextChunkLimit > 0 {
		out.TextChunkLimit = over.TextChunkLimit
	}
	if over.ResponsePrefix != "" {
		out.ResponsePrefix = over.ResponsePrefix
	}
	return out
}

func mergeMQTT(base, over *config.MQTTConfig) *config.MQTTConfig {
	if over == nil {
		return base
	}
	if base == nil {
		c := *over
		return &c
	}
	out := *base
	if over.Broker != "" {
		out.Broker = over.Broker
	}
	if over.Port != 0 {
		out.Port = over.Port
	}
	if over.Username != "" {
		out.Username = over.Username
	}
	if over.Password != "" {
		out.Password = over.Password
	}
	if over.Topic != "" {
		out.Topic = over.Topic
	}
	if over.PublishTopic != "" {
		out.PublishTopic = over.PublishTopic
	}
	if over.TLS {
		out.TLS = true
	}
	return &out
}

// SetAccountEnabled toggles an account in place.
func SetAccountEnabled(cfg *config.Config, id string, enabled bool) error {
	m := &cfg.Channels.Meshtastic
	if id == "" || id == DefaultAccountID {
		m.Enabled = &enabled
		return nil
	}
	acct, ok := m.Accounts[id]
	if !ok {
		return fmt.Errorf("account %q not configured", id)
	}
	acct.Enabled = &enabled
	m.Accounts[id] = acct
	return nil
}

// DeleteAccount removes a named account. The default account's base fields
// cannot be deleted, only disabled.
func DeleteAccount(cfg *config.Config, id string) error {
	if id == "" || id == DefaultAccountID {
		return fmt.Errorf("cannot delete the default account, disable it instead")
	}
	m := &cfg.Channels.Meshtastic
	if _, ok := m.Accounts[id]; !ok {
		return fmt.Errorf("account %q not configured", id)
	}
	delete(m.Accounts, id)
	return nil
}

// Probe checks that an account's transport settings are complete enough to
// attempt a connection.
func Probe(acct config.AccountConfig) error {
	switch acct.Transport {
	case config.TransportTCP:
		if acct.TCPAddress == "" {
			return fmt.Errorf("tcp transport needs tcp_address")
		}
	case config.TransportMQTT:
		if acct.MQTT == nil || acct.MQTT.Broker == "" {
			return fmt.Errorf("mqtt transport needs mqtt.broker")
		}
	case config.TransportSerial, "":
		if acct.SerialPort == "" {
			return fmt.Errorf("serial transport needs serial_port")
		}
	default:
		return fmt.Errorf("unknown transport %q", acct.Transport)
	}
	return nil
}
