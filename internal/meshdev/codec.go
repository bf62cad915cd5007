package meshdev

// Codec translates between framed payloads and events. The concrete wire
// encoding belongs to the device protocol implementation supplied by the
// caller; this package only handles framing and lifecycle.
type Codec interface {
	// EncodeWantConfig builds the payload that asks the device to stream
	// its configuration, identified by nonce.
	EncodeWantConfig(nonce uint32) ([]byte, error)
	// EncodeText builds a text send. dest is the node number, or
	// Broadcast for channel-wide delivery.
	EncodeText(text string, dest uint32, channel uint8, wantAck bool, packetID uint32) ([]byte, error)
	// EncodeHeartbeat builds the keepalive payload.
	EncodeHeartbeat() ([]byte, error)
	// Decode turns one framed payload into zero or more events.
	Decode(payload []byte) ([]Event, error)
}

// OwnerCodec is an optional Codec capability for protocols with an admin
// channel that can set the node's owner name.
type OwnerCodec interface {
	// EncodeSetOwner builds the admin payload that renames the node.
	EncodeSetOwner(longName string, packetID uint32) ([]byte, error)
}

// Broadcast is the destination node number for channel-wide sends.
const Broadcast uint32 = 0xffffffff

var defaultCodec func() Codec

// RegisterCodec installs the device protocol codec used for serial and TCP
// links. Called once by the driver package at init time.
func RegisterCodec(fn func() Codec) {
	defaultCodec = fn
}

// NewCodec returns a codec from the registered driver, or ok=false when no
// driver is linked in.
func NewCodec() (Codec, bool) {
	if defaultCodec == nil {
		return nil, false
	}
	return defaultCodec(), true
}
