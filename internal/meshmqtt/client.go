// Package meshmqtt bridges a Meshtastic mesh through an MQTT broker's
// JSON topic, for gateways without a local device.
package meshmqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/policy"
)

// Defaults for the public Meshtastic broker.
const (
	DefaultBroker   = "mqtt.meshtastic.org"
	DefaultPort     = 1883
	DefaultUsername = "meshdev"
	DefaultPassword = "large4cats"
	DefaultTopic    = "msh/US/2/json/#"

	reconnectInterval = 5 * time.Second
	connectTimeout    = 30 * time.Second
)

// TextEvent is an inbound text heard on the JSON topic.
type TextEvent struct {
	SenderNodeID string
	SenderName   string
	Text         string
	ChannelIndex int
	ChannelName  string
	IsDirect     bool
	RxTime       time.Time
}

// Options configures the bridge.
type Options struct {
	Log *slog.Logger
	// MyNodeID enables self-filtering and DM detection when set.
	MyNodeID string
	// OnText receives each admitted inbound text.
	OnText func(TextEvent)
	// OnStatus receives human-readable connection transitions.
	OnStatus func(status string)
}

// jsonMessage is the wire shape on the broker's JSON topic.
type jsonMessage struct {
	Sender      string  `json:"sender,omitempty"`
	From        uint32  `json:"from,omitempty"`
	To          *uint32 `json:"to,omitempty"`
	Type        string  `json:"type,omitempty"`
	Payload     payload `json:"payload"`
	Channel     int     `json:"channel,omitempty"`
	ChannelName string  `json:"channel_name,omitempty"`
}

type payload struct {
	Text string `json:"text,omitempty"`
}

// Client is a connected broker bridge.
type Client struct {
	log          *slog.Logger
	client       mqtt.Client
	publishTopic string
	myNodeID     string
}

// Connect dials the broker, subscribing to the JSON topic. Reconnects are
// delegated to the MQTT client with a fixed 5 s interval, and the
// subscription is restored on every (re)connect.
func Connect(cfg config.MQTTConfig, opts Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	broker := cfg.Broker
	if broker == "" {
		broker = DefaultBroker
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	username := cfg.Username
	if username == "" {
		username = DefaultUsername
	}
	password := cfg.Password
	if password == "" {
		password = DefaultPassword
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	publishTopic := cfg.PublishTopic
	if publishTopic == "" {
		publishTopic = derivePublishTopic(topic)
	}
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	c := &Client{
		log:          opts.Log,
		publishTopic: publishTopic,
		myNodeID:     strings.ToLower(opts.MyNodeID),
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, broker, port)).
		SetClientID("meshgate-" + uuid.NewString()[:8]).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval).
		SetConnectTimeout(connectTimeout)

	mqttOpts.SetOnConnectHandler(func(client mqtt.Client) {
		if opts.OnStatus != nil {
			opts.OnStatus("connected")
		}
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(msg.Payload(), opts.OnText)
		})
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				c.log.Error("mqtt subscribe failed", "topic", topic, "error", err)
				return
			}
			if opts.OnStatus != nil {
				opts.OnStatus("subscribed to " + topic)
			}
		}()
	})
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if opts.OnStatus != nil {
			opts.OnStatus("reconnecting")
		}
		c.log.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(mqttOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s:%d timed out", broker, port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s:%d: %w", broker, port, err)
	}
	c.client = client
	return c, nil
}

// handleMessage filters one raw broker payload down to a TextEvent.
// Anything that is not a well-formed text message is dropped without
// comment; the JSON topic carries plenty of other traffic.
func (c *Client) handleMessage(raw []byte, onText func(TextEvent)) {
	if onText == nil {
		return
	}
	var msg jsonMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "sendtext" || msg.Payload.Text == "" {
		return
	}

	senderID := strings.ToLower(msg.Sender)
	if senderID == "" && msg.From != 0 {
		senderID = policy.NodeNumToHex(msg.From)
	}
	if senderID == "" {
		return
	}
	if !strings.HasPrefix(senderID, "!") {
		senderID = "!" + senderID
	}
	if c.myNodeID != "" && senderID == c.myNodeID {
		return
	}

	// The JSON topic has no explicit DM marker; a message addressed to our
	// own node is the only thing we can call direct.
	isDirect := false
	if c.myNodeID != "" && msg.To != nil {
		isDirect = policy.NodeNumToHex(*msg.To) == c.myNodeID
	}

	onText(TextEvent{
		SenderNodeID: senderID,
		Text:         msg.Payload.Text,
		ChannelIndex: msg.Channel,
		ChannelName:  msg.ChannelName,
		IsDirect:     isDirect,
		RxTime:       time.Now(),
	})
}

var lastTopicSegment = regexp.MustCompile(`/[^/]*$`)

// derivePublishTopic turns a subscribe pattern into the downlink topic.
func derivePublishTopic(topic string) string {
	return strings.Replace(topic, "/#", "/mqtt", 1)
}

// topicForChannel swaps the trailing topic segment for the channel name,
// so downlink-enabled channels receive the message.
func topicForChannel(base, channelName string) string {
	if channelName == "" {
		return base
	}
	return lastTopicSegment.ReplaceAllString(base, "/"+channelName)
}

// PublishText sends a text into the mesh. destination is a node id for
// direct sends, empty for broadcast. channelName, when set, routes the
// message to that channel's downlink topic.
func (c *Client) PublishText(text, destination, channelName string) error {
	topic := topicForChannel(c.publishTopic, channelName)
	msg := jsonMessage{
		Sender:  c.myNodeID,
		Type:    "sendtext",
		Payload: payload{Text: text},
	}
	if destination != "" {
		num, err := policy.HexToNodeNum(destination)
		if err != nil {
			return fmt.Errorf("publish destination: %w", err)
		}
		msg.To = &num
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal publish: %w", err)
	}
	token := c.client.Publish(topic, 0, false, data)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
