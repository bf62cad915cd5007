package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/meshdev"
	"github.com/nextmesh/meshgate/internal/meshmqtt"
)

// OpenSend establishes a short-lived connection for the account and returns
// a send handle plus its close func. Meant for one-shot sends outside a
// running monitor; a gateway process uses the registry instead.
func OpenSend(ctx context.Context, acct accounts.ResolvedAccount, log *slog.Logger) (SendFunc, func(), error) {
	if err := accounts.Probe(acct.Config); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}
	if log == nil {
		log = slog.Default()
	}

	if acct.Config.Transport == config.TransportMQTT {
		mqttCfg := config.MQTTConfig{}
		if acct.Config.MQTT != nil {
			mqttCfg = *acct.Config.MQTT
		}
		client, err := meshmqtt.Connect(mqttCfg, meshmqtt.Options{Log: log})
		if err != nil {
			return nil, nil, fmt.Errorf("connect mqtt: %w", err)
		}
		return mqttSend(client), client.Close, nil
	}

	link, err := newDeviceLink(acct.Config)
	if err != nil {
		return nil, nil, err
	}
	conn, err := meshdev.Connect(ctx, link, meshdev.Options{Log: log})
	if err != nil {
		return nil, nil, fmt.Errorf("connect device: %w", err)
	}
	return deviceSend(conn), func() { _ = conn.Close() }, nil
}
