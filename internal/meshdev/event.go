// Package meshdev manages the connection to a Meshtastic device over
// serial or TCP: lifecycle state, configuration handshake, node and
// channel caches, and text sends.
package meshdev

import "fmt"

// DeviceStatus codes as reported by the device driver.
type DeviceStatus int

const (
	StatusRestarting   DeviceStatus = 1
	StatusDisconnected DeviceStatus = 2
	StatusConnecting   DeviceStatus = 3
	StatusReconnecting DeviceStatus = 4
	StatusConnected    DeviceStatus = 5
	StatusConfiguring  DeviceStatus = 6
	StatusConfigured   DeviceStatus = 7
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusRestarting:
		return "restarting"
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusConnected:
		return "connected"
	case StatusConfiguring:
		return "configuring"
	case StatusConfigured:
		return "configured"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Event is a notification from the device link.
type Event interface {
	isEvent()
}

// StatusEvent reports a device lifecycle transition.
type StatusEvent struct {
	Status DeviceStatus
}

// TextEvent is an inbound text message from the mesh.
type TextEvent struct {
	FromNode uint32
	ToNode   uint32
	Channel  uint8
	Text     string
	PacketID uint32
}

// NodeInfoEvent announces a node's identity.
type NodeInfoEvent struct {
	Num       uint32
	LongName  string
	ShortName string
}

// ChannelInfoEvent announces a configured mesh channel.
type ChannelInfoEvent struct {
	Index uint8
	Name  string
}

// MyInfoEvent carries the connected device's own node number.
type MyInfoEvent struct {
	NodeNum uint32
}

// FaultEvent reports a transport or decode failure. The link is dead after
// emitting one.
type FaultEvent struct {
	Err error
}

func (StatusEvent) isEvent()      {}
func (TextEvent) isEvent()        {}
func (NodeInfoEvent) isEvent()    {}
func (ChannelInfoEvent) isEvent() {}
func (MyInfoEvent) isEvent()      {}
func (FaultEvent) isEvent()       {}
