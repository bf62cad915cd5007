package accounts

import (
	"testing"

	"github.com/nextmesh/meshgate/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestListAccountIDs(t *testing.T) {
	m := config.MeshtasticConfig{
		Accounts: map[string]config.AccountConfig{
			"zulu":  {},
			"alpha": {},
		},
	}
	ids := ListAccountIDs(m)
	want := []string{"default", "alpha", "zulu"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range ids {
		if ids[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestResolveAccountMerge(t *testing.T) {
	m := config.MeshtasticConfig{
		AccountConfig: config.AccountConfig{
			Transport:      config.TransportSerial,
			SerialPort:     "/dev/ttyACM0",
			DMPolicy:       "pairing",
			TextChunkLimit: 180,
			MQTT: &config.MQTTConfig{
				Broker:   "base.broker",
				Username: "baseuser",
			},
		},
		Accounts: map[string]config.AccountConfig{
			"relay": {
				Transport: config.TransportMQTT,
				DMPolicy:  "allowlist",
				MQTT: &config.MQTTConfig{
					Broker: "relay.broker",
				},
			},
		},
	}
	got, err := ResolveAccount(m, "relay")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "relay" {
		t.Errorf("id: got %q", got.ID)
	}
	if got.Config.Transport != config.TransportMQTT {
		t.Errorf("transport not overridden: %q", got.Config.Transport)
	}
	if got.Config.DMPolicy != "allowlist" {
		t.Errorf("dm_policy not overridden: %q", got.Config.DMPolicy)
	}
	if got.Config.SerialPort != "/dev/ttyACM0" {
		t.Errorf("base serial_port lost: %q", got.Config.SerialPort)
	}
	if got.Config.TextChunkLimit != 180 {
		t.Errorf("base chunk limit lost: %d", got.Config.TextChunkLimit)
	}
	if got.Config.MQTT.Broker != "relay.broker" {
		t.Errorf("mqtt broker not overridden: %q", got.Config.MQTT.Broker)
	}
	if got.Config.MQTT.Username != "baseuser" {
		t.Errorf("mqtt username lost in merge: %q", got.Config.MQTT.Username)
	}
}

func TestResolveAccountFallback(t *testing.T) {
	m := config.MeshtasticConfig{
		Accounts: map[string]config.AccountConfig{
			"only": {Transport: config.TransportTCP, TCPAddress: "10.0.0.2:4403"},
		},
	}
	got, err := ResolveAccount(m, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "only" {
		t.Errorf("expected fallback to configured account, got %q", got.ID)
	}

	// With several candidates the first in sorted order stands in.
	m.Accounts["alpha"] = config.AccountConfig{Transport: config.TransportSerial, SerialPort: "/dev/ttyUSB0"}
	got, err = ResolveAccount(m, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "alpha" {
		t.Errorf("expected first sorted account, got %q", got.ID)
	}

	// A configured default never falls back.
	m.AccountConfig.SerialPort = "/dev/ttyACM9"
	got, _ = ResolveAccount(m, "")
	if got.ID != DefaultAccountID {
		t.Errorf("configured default replaced by %q", got.ID)
	}
}

func TestResolveAccountFallbackRequiresConfigured(t *testing.T) {
	// The stand-in candidate itself lacks its transport endpoint, so the
	// unconfigured default is returned as-is.
	m := config.MeshtasticConfig{
		Accounts: map[string]config.AccountConfig{
			"relay": {Transport: config.TransportTCP},
		},
	}
	got, err := ResolveAccount(m, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != DefaultAccountID {
		t.Errorf("expected default account, got %q", got.ID)
	}
}

func TestResolveAccountSectionDisabled(t *testing.T) {
	// The section switch gates every account; a per-account enabled flag
	// cannot override it.
	m := config.MeshtasticConfig{
		AccountConfig: config.AccountConfig{Enabled: boolPtr(false)},
		Accounts: map[string]config.AccountConfig{
			"relay": {Enabled: boolPtr(true), Transport: config.TransportTCP, TCPAddress: "10.0.0.2:4403"},
		},
	}
	got, err := ResolveAccount(m, "relay")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Enabled {
		t.Error("section disabled AND account enabled => want Enabled=false, got true")
	}

	on := true
	m.AccountConfig.Enabled = &on
	got, _ = ResolveAccount(m, "relay")
	if !got.Enabled {
		t.Error("section enabled AND account enabled => want Enabled=true")
	}

	m.Accounts["relay"] = config.AccountConfig{Enabled: boolPtr(false), TCPAddress: "10.0.0.2:4403"}
	got, _ = ResolveAccount(m, "relay")
	if got.Enabled {
		t.Error("account disabled under an enabled section => want Enabled=false")
	}
}

func TestResolveAccountUnknown(t *testing.T) {
	if _, err := ResolveAccount(config.MeshtasticConfig{}, "ghost"); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestSetAccountEnabledAndDelete(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Meshtastic.Accounts = map[string]config.AccountConfig{
		"relay": {},
	}
	if err := SetAccountEnabled(cfg, "relay", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	acct := cfg.Channels.Meshtastic.Accounts["relay"]
	if acct.Enabled == nil || *acct.Enabled {
		t.Error("relay should be disabled")
	}
	if err := SetAccountEnabled(cfg, "ghost", true); err == nil {
		t.Error("expected error for unknown account")
	}
	if err := DeleteAccount(cfg, "default"); err == nil {
		t.Error("default account must not be deletable")
	}
	if err := DeleteAccount(cfg, "relay"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := cfg.Channels.Meshtastic.Accounts["relay"]; ok {
		t.Error("relay still present after delete")
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		acct    config.AccountConfig
		wantErr bool
	}{
		{"serial ok", config.AccountConfig{SerialPort: "/dev/ttyACM0"}, false},
		{"serial missing port", config.AccountConfig{Transport: config.TransportSerial}, true},
		{"tcp ok", config.AccountConfig{Transport: config.TransportTCP, TCPAddress: "host:4403"}, false},
		{"tcp missing address", config.AccountConfig{Transport: config.TransportTCP}, true},
		{"mqtt with broker", config.AccountConfig{Transport: config.TransportMQTT, MQTT: &config.MQTTConfig{Broker: "broker.local"}}, false},
		{"mqtt missing broker", config.AccountConfig{Transport: config.TransportMQTT}, true},
		{"mqtt empty broker", config.AccountConfig{Transport: config.TransportMQTT, MQTT: &config.MQTTConfig{}}, true},
		{"bogus transport", config.AccountConfig{Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Probe(tt.acct)
			if (err != nil) != tt.wantErr {
				t.Errorf("Probe() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
