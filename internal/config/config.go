package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Mesh node ids show up as bare decimal numbers in hand-written configs.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the MeshGate gateway.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Commands  CommandsConfig  `json:"commands,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// ChannelsConfig contains per-channel configuration.
// Meshtastic is the only channel this gateway bridges.
type ChannelsConfig struct {
	Meshtastic MeshtasticConfig `json:"meshtastic"`
}

// MeshtasticConfig is the channel section: base account fields that apply to
// every account, plus named per-account overrides.
type MeshtasticConfig struct {
	AccountConfig
	Accounts map[string]AccountConfig `json:"accounts,omitempty"`
}

// Transport selects how the gateway reaches the mesh.
type Transport string

const (
	TransportSerial Transport = "serial" // direct serial device link
	TransportTCP    Transport = "tcp"    // device link over the network
	TransportMQTT   Transport = "mqtt"   // broker-relayed mirror of the mesh
)

// AccountConfig holds all per-account Meshtastic settings.
type AccountConfig struct {
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"` // default true

	Transport Transport `json:"transport,omitempty"` // "serial" (default), "tcp", "mqtt"

	// Device display name. Sets the node's long name on connect and is
	// auto-added as a mention pattern ("@NodeName").
	NodeName string `json:"node_name,omitempty"`
	// LoRa region code, applied by the device driver on connect (serial/tcp only).
	Region string `json:"region,omitempty"`

	SerialPort string      `json:"serial_port,omitempty"`
	TCPAddress string      `json:"tcp_address,omitempty"`
	TCPTLS     bool        `json:"tcp_tls,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty"`

	DMPolicy       string                   `json:"dm_policy,omitempty"`    // "pairing" (default), "allowlist", "open", "disabled"
	AllowFrom      FlexibleStringSlice      `json:"allow_from,omitempty"`
	DefaultTo      string                   `json:"default_to,omitempty"`   // default target for ad hoc sends
	GroupPolicy    string                   `json:"group_policy,omitempty"` // "disabled" (default), "allowlist", "open"
	GroupAllowFrom FlexibleStringSlice      `json:"group_allow_from,omitempty"`
	MeshChannels   map[string]ChannelConfig `json:"mesh_channels,omitempty"` // keyed by channel name, "*" = wildcard

	MentionPatterns []string `json:"mention_patterns,omitempty"`
	TextChunkLimit  int      `json:"text_chunk_limit,omitempty"` // default 200
	ResponsePrefix  string   `json:"response_prefix,omitempty"`
}

// MQTTConfig configures the broker-relayed transport.
type MQTTConfig struct {
	Broker       string `json:"broker,omitempty"`
	Port         int    `json:"port,omitempty"` // default 1883
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Topic        string `json:"topic,omitempty"`         // subscribe pattern, default "msh/US/2/json/#"
	PublishTopic string `json:"publish_topic,omitempty"` // default derived from Topic
	TLS          bool   `json:"tls,omitempty"`
}

// ChannelConfig is a per-mesh-channel policy override.
type ChannelConfig struct {
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	Enabled        *bool               `json:"enabled,omitempty"`         // default true
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	SystemPrompt   string              `json:"system_prompt,omitempty"`
	ToolsAllow     []string            `json:"tools_allow,omitempty"`
	ToolsDeny      []string            `json:"tools_deny,omitempty"`
}

// CommandsConfig gates slash-command handling.
type CommandsConfig struct {
	Text            *bool `json:"text,omitempty"`              // allow "/..."-style text commands (default true)
	UseAccessGroups *bool `json:"use_access_groups,omitempty"` // default true
}

// TextCommandsEnabled returns whether slash commands in message bodies are handled.
func (c CommandsConfig) TextCommandsEnabled() bool {
	return c.Text == nil || *c.Text
}

// AccessGroupsEnabled returns whether access-group command authorization applies.
func (c CommandsConfig) AccessGroupsEnabled() bool {
	return c.UseAccessGroups == nil || *c.UseAccessGroups
}

// StoreConfig locates the on-disk pairing/activity database.
type StoreConfig struct {
	Path string `json:"path,omitempty"` // default "~/.meshgate/meshgate.db"
}

// TelemetryConfig configures OpenTelemetry trace export.
// When enabled, spans around device connects and inbound admission are
// exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "meshgate"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Commands = src.Commands
	c.Store = src.Store
	c.Telemetry = src.Telemetry
}
