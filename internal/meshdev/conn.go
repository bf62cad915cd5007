package meshdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Link is the behavioral contract of a device transport.
type Link interface {
	// Events streams device notifications. The channel closes when the
	// link dies.
	Events() <-chan Event
	// RequestConfig asks the device to stream its configuration.
	RequestConfig() error
	// SendText transmits a text message.
	SendText(text string, dest uint32, wantAck bool, channel uint8) error
	// Close tears down the transport.
	Close() error
}

// StatusReporter is an optional Link capability: transports that know
// their own state feed it into the liveness poll, catching transitions
// whose events were missed.
type StatusReporter interface {
	Status() DeviceStatus
}

// Heartbeater is an optional Link capability polled to keep the
// transport alive.
type Heartbeater interface {
	Heartbeat() error
}

// OwnerSetter is an optional Link capability: transports whose protocol
// carries an admin channel can rename the node's long name.
type OwnerSetter interface {
	SetOwner(longName string) error
}

// ErrConnectTimeout means the device never finished its configuration
// handshake in time.
var ErrConnectTimeout = errors.New("device configuration timed out")

// Options tunes the connection handshake.
type Options struct {
	Log *slog.Logger

	// ConfigureTimeout bounds the whole handshake. Default 45 s.
	ConfigureTimeout time.Duration
	// PollInterval is the liveness poll period. Default 2 s.
	PollInterval time.Duration
	// ConfigRetryDelay is how long after the link reports Connected the
	// single config re-request waits. Default 500 ms.
	ConfigRetryDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.ConfigureTimeout <= 0 {
		o.ConfigureTimeout = 45 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ConfigRetryDelay <= 0 {
		o.ConfigRetryDelay = 500 * time.Millisecond
	}
}

// Conn is a configured device connection.
type Conn struct {
	link Link
	log  *slog.Logger

	texts chan TextEvent
	done  chan struct{}

	mu       sync.RWMutex
	state    ConnState
	myNode   uint32
	nodes    map[uint32]NodeInfoEvent
	channels map[uint8]string
	err      error
}

// Connect drives the configuration handshake: subscribe to events, issue
// the config request, and wait for the device to report Configured. The
// config request is re-issued exactly once, shortly after the link first
// reports Connected, to cover a request that raced link setup. On timeout
// the transport is force-closed and ErrConnectTimeout returned.
func Connect(ctx context.Context, link Link, opts Options) (*Conn, error) {
	opts.withDefaults()
	c := &Conn{
		link:     link,
		log:      opts.Log,
		texts:    make(chan TextEvent, 32),
		done:     make(chan struct{}),
		state:    StateIdle,
		nodes:    make(map[uint32]NodeInfoEvent),
		channels: make(map[uint8]string),
	}

	ready := make(chan struct{})
	go c.run(opts, ready)

	if err := link.RequestConfig(); err != nil {
		link.Close()
		return nil, fmt.Errorf("request config: %w", err)
	}

	timeout := time.NewTimer(opts.ConfigureTimeout)
	defer timeout.Stop()
	select {
	case <-ready:
		return c, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("device disconnected during configuration")
	case <-timeout.C:
		link.Close() // close error intentionally dropped, the attempt is dead
		return nil, ErrConnectTimeout
	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}
}

func (c *Conn) run(opts Options, ready chan struct{}) {
	defer close(c.done)
	defer close(c.texts)

	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()

	var retryTimer *time.Timer
	var retryC <-chan time.Time
	retried := false
	readyFired := false

	apply := func(ev Event) bool {
		c.mu.Lock()
		next, fx := step(c.state, ev)
		c.state = next
		if fx.failed != nil {
			c.err = fx.failed
		}
		c.mu.Unlock()

		if fx.scheduleConfigRetry && !retried {
			retried = true
			retryTimer = time.NewTimer(opts.ConfigRetryDelay)
			retryC = retryTimer.C
		}
		if fx.ready && !readyFired {
			readyFired = true
			close(ready)
		}
		if fx.disconnected {
			c.log.Info("device reported disconnect")
			return false
		}
		if fx.failed != nil {
			c.log.Warn("device link failed", "error", fx.failed)
			return false
		}
		return true
	}

	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
		c.link.Close()
	}()

	for {
		select {
		case ev, ok := <-c.link.Events():
			if !ok {
				c.mu.Lock()
				c.state = StateDisconnected
				c.mu.Unlock()
				return
			}
			c.observe(ev)
			if !apply(ev) {
				return
			}
		case <-retryC:
			retryC = nil
			if err := c.link.RequestConfig(); err != nil {
				c.log.Warn("config re-request failed", "error", err)
			}
		case <-poll.C:
			if sr, ok := c.link.(StatusReporter); ok {
				if !apply(StatusEvent{Status: sr.Status()}) {
					return
				}
			}
			if hb, ok := c.link.(Heartbeater); ok && c.State() == StateReady {
				if err := hb.Heartbeat(); err != nil {
					c.log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}
}

// observe updates caches and forwards texts before lifecycle handling.
func (c *Conn) observe(ev Event) {
	switch ev := ev.(type) {
	case MyInfoEvent:
		c.mu.Lock()
		c.myNode = ev.NodeNum
		c.mu.Unlock()
	case NodeInfoEvent:
		c.mu.Lock()
		c.nodes[ev.Num] = ev
		c.mu.Unlock()
	case ChannelInfoEvent:
		c.mu.Lock()
		c.channels[ev.Index] = ev.Name
		c.mu.Unlock()
	case TextEvent:
		select {
		case c.texts <- ev:
		default:
			c.log.Warn("dropping inbound text, consumer too slow", "from", ev.FromNode)
		}
	}
}

// Texts streams inbound text messages. Closes when the connection ends.
func (c *Conn) Texts() <-chan TextEvent {
	return c.texts
}

// Done closes when the connection has ended for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal link error, if the connection failed.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MyNodeNum returns the device's own node number, zero until configured.
func (c *Conn) MyNodeNum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.myNode
}

// NodeName returns the long name for a node, or "" when unknown.
func (c *Conn) NodeName(num uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.nodes[num]; ok && n.LongName != "" {
		return n.LongName
	}
	return ""
}

// ChannelName returns the name of a mesh channel. The primary channel
// defaults to "LongFast" when the device never named it.
func (c *Conn) ChannelName(index uint8) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.channels[index]; ok && name != "" {
		return name
	}
	if index == 0 {
		return "LongFast"
	}
	return fmt.Sprintf("channel-%d", index)
}

// SendText delivers text to the mesh. Broadcast sends are fire-and-forget.
// Direct sends request an ack but never wait for one; ack delivery on a
// lossy mesh is advisory.
func (c *Conn) SendText(text string, dest uint32, channel uint8) error {
	wantAck := dest != Broadcast
	if err := c.link.SendText(text, dest, wantAck, channel); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SetOwner renames the node's long name on the device. Links without the
// OwnerSetter capability ignore the request.
func (c *Conn) SetOwner(longName string) error {
	os, ok := c.link.(OwnerSetter)
	if !ok {
		return nil
	}
	if err := os.SetOwner(longName); err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (c *Conn) Close() error {
	err := c.link.Close()
	<-c.done
	return err
}
