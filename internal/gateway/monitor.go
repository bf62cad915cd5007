package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/meshdev"
	"github.com/nextmesh/meshgate/internal/meshmqtt"
	"github.com/nextmesh/meshgate/internal/policy"
	"github.com/nextmesh/meshgate/internal/store"
)

// ErrNotConfigured means the account has no usable transport settings.
var ErrNotConfigured = errors.New("meshtastic account not configured")

// ErrNoDeviceDriver means a serial or TCP transport was requested but no
// device protocol codec is linked in.
var ErrNoDeviceDriver = errors.New("no device driver codec registered, use the mqtt transport")

// reconnectCoolDown spaces device reconnect attempts after a drop.
const reconnectCoolDown = 3 * time.Second

// MonitorOptions wires one account's monitor.
type MonitorOptions struct {
	Log      *slog.Logger
	Registry *SendRegistry
	Pairing  store.PairingStore
	Activity store.ActivityStore
	Pipeline Pipeline
	Commands config.CommandsConfig

	// NewLink overrides device link construction, mainly for tests.
	NewLink func(acct config.AccountConfig) (meshdev.Link, error)
	// CoolDown overrides the reconnect cool-down.
	CoolDown time.Duration
}

// Monitor owns one account's transport lifecycle: connect, pump inbound
// messages through admission, reconnect on drop.
type Monitor struct {
	account accounts.ResolvedAccount
	opts    MonitorOptions
	log     *slog.Logger
	tracer  trace.Tracer
}

// NewMonitor builds a monitor for a resolved account.
func NewMonitor(account accounts.ResolvedAccount, opts MonitorOptions) (*Monitor, error) {
	if err := accounts.Probe(account.Config); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, err)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("account", account.ID)
	if opts.NewLink == nil {
		opts.NewLink = newDeviceLink
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = reconnectCoolDown
	}
	return &Monitor{
		account: account,
		opts:    opts,
		log:     log,
		tracer:  otel.Tracer("meshgate/gateway"),
	}, nil
}

// Run blocks until ctx is cancelled, keeping the account's transport alive.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.account.Enabled {
		m.log.Info("account disabled, not starting")
		return nil
	}
	if m.account.Config.Transport == config.TransportMQTT {
		return m.runMQTT(ctx)
	}
	for {
		if err := m.runDeviceOnce(ctx); err != nil {
			if errors.Is(err, ErrNoDeviceDriver) {
				return err
			}
			m.log.Warn("device session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.opts.CoolDown):
		}
	}
}

// newDeviceLink dials the configured device and wraps it with the
// registered protocol codec.
func newDeviceLink(acct config.AccountConfig) (meshdev.Link, error) {
	codec, ok := meshdev.NewCodec()
	if !ok {
		return nil, ErrNoDeviceDriver
	}
	switch acct.Transport {
	case config.TransportTCP:
		rwc, err := meshdev.DialTCP(acct.TCPAddress, acct.TCPTLS)
		if err != nil {
			return nil, err
		}
		return meshdev.NewStreamLink(rwc, codec), nil
	default:
		rwc, err := meshdev.DialSerial(acct.SerialPort)
		if err != nil {
			return nil, err
		}
		return meshdev.NewStreamLink(rwc, codec), nil
	}
}

// deviceSend routes text over a configured device connection. Node-like
// targets become direct messages, anything else broadcasts on the
// requested channel index.
func deviceSend(conn *meshdev.Conn) SendFunc {
	return func(ctx context.Context, target, text string, opts SendOptions) error {
		dest := meshdev.Broadcast
		channel := opts.ChannelIndex
		if target != "" && policy.LooksLikeNodeID(target) {
			id, _ := policy.NormalizeNodeID(target)
			num, err := policy.HexToNodeNum(id)
			if err != nil {
				return err
			}
			dest = num
		}
		return conn.SendText(text, dest, channel)
	}
}

// mqttSend routes text through the broker bridge. The channel name picks
// the downlink topic for group sends.
func mqttSend(client *meshmqtt.Client) SendFunc {
	return func(ctx context.Context, target, text string, opts SendOptions) error {
		destination := ""
		if target != "" && policy.LooksLikeNodeID(target) {
			id, _ := policy.NormalizeNodeID(target)
			destination = id
		}
		return client.PublishText(text, destination, opts.ChannelName)
	}
}

func (m *Monitor) runDeviceOnce(ctx context.Context) error {
	link, err := m.opts.NewLink(m.account.Config)
	if err != nil {
		return err
	}
	conn, err := meshdev.Connect(ctx, link, meshdev.Options{Log: m.log})
	if err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	myNode := conn.MyNodeNum()
	m.log.Info("device connected",
		"transport", m.account.Config.Transport,
		"node", policy.NodeNumToHex(myNode))
	if name := m.account.Config.NodeName; name != "" {
		// Best effort; a rename failure does not end the session.
		if err := conn.SetOwner(name); err != nil {
			m.log.Warn("set node owner", "error", err)
		}
	}

	send := deviceSend(conn)
	m.opts.Registry.Install(m.account.ID, send)
	defer m.opts.Registry.Clear(m.account.ID)
	defer conn.Close()

	handler := m.handler(send)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return fmt.Errorf("device disconnected")
		case ev, ok := <-conn.Texts():
			if !ok {
				<-conn.Done()
				if err := conn.Err(); err != nil {
					return err
				}
				return fmt.Errorf("device disconnected")
			}
			if ev.FromNode == myNode {
				continue
			}
			msg := InboundMessage{
				SenderNodeID: policy.NodeNumToHex(ev.FromNode),
				SenderName:   conn.NodeName(ev.FromNode),
				Text:         ev.Text,
				ChannelIndex: ev.Channel,
				ChannelName:  conn.ChannelName(ev.Channel),
				IsGroup:      ev.ToNode != myNode,
				MessageID:    fmt.Sprintf("%d", ev.PacketID),
				Timestamp:    time.Now(),
			}
			m.handleInbound(ctx, handler, msg)
		}
	}
}

// mqttInbound converts a bridge text event to the canonical inbound form.
// The broker carries no packet id, so the message gets a fresh uuid.
func mqttInbound(ev meshmqtt.TextEvent) InboundMessage {
	return InboundMessage{
		SenderNodeID: ev.SenderNodeID,
		SenderName:   ev.SenderName,
		Text:         ev.Text,
		ChannelIndex: uint8(ev.ChannelIndex),
		ChannelName:  ev.ChannelName,
		IsGroup:      !ev.IsDirect,
		MessageID:    uuid.NewString(),
		Timestamp:    ev.RxTime,
	}
}

func (m *Monitor) runMQTT(ctx context.Context) error {
	mqttCfg := config.MQTTConfig{}
	if m.account.Config.MQTT != nil {
		mqttCfg = *m.account.Config.MQTT
	}

	type job struct{ msg InboundMessage }
	jobs := make(chan job, 32)

	client, err := meshmqtt.Connect(mqttCfg, meshmqtt.Options{
		Log: m.log,
		OnStatus: func(status string) {
			m.log.Info("mqtt status", "status", status)
		},
		OnText: func(ev meshmqtt.TextEvent) {
			msg := mqttInbound(ev)
			select {
			case jobs <- job{msg: msg}:
			default:
				m.log.Warn("dropping inbound text, consumer too slow", "sender", ev.SenderNodeID)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	defer client.Close()

	send := mqttSend(client)
	m.opts.Registry.Install(m.account.ID, send)
	defer m.opts.Registry.Clear(m.account.ID)

	m.log.Info("mesh bridge running", "transport", "mqtt")
	handler := m.handler(send)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-jobs:
			m.handleInbound(ctx, handler, j.msg)
		}
	}
}

func (m *Monitor) handler(send SendFunc) *InboundHandler {
	return &InboundHandler{
		Log:      m.log,
		Account:  m.account,
		Commands: m.opts.Commands,
		Pairing:  m.opts.Pairing,
		Activity: m.opts.Activity,
		Pipeline: m.opts.Pipeline,
		Send:     send,
	}
}

// handleInbound runs one message through admission, with a span and a
// panic guard so a misbehaving pipeline cannot take the monitor down.
func (m *Monitor) handleInbound(ctx context.Context, handler *InboundHandler, msg InboundMessage) {
	ctx, span := m.tracer.Start(ctx, "gateway.inbound",
		trace.WithAttributes(
			attribute.String("account", m.account.ID),
			attribute.String("sender", msg.SenderNodeID),
			attribute.Bool("group", msg.IsGroup),
		))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("inbound handler panicked", "panic", r)
		}
	}()
	if err := handler.Handle(ctx, msg); err != nil {
		span.RecordError(err)
		m.log.Error("inbound handling failed", "sender", msg.SenderNodeID, "error", err)
	}
}
