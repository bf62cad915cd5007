package meshdev

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Stream framing used by Meshtastic serial and TCP links: two magic bytes
// followed by a big-endian payload length.
const (
	frameMagic1 = 0x94
	frameMagic2 = 0xc3
	// Conservative cap; real payloads stay well under this.
	maxFramePayload = 512
)

// WriteFrame frames payload onto w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), maxFramePayload)
	}
	header := []byte{frameMagic1, frameMagic2, byte(len(payload) >> 8), byte(len(payload))}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame from r, skipping any noise bytes before
// the magic sequence. Serial consoles interleave log output with frames.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameMagic1 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameMagic2 {
			continue
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > maxFramePayload {
			// Magic bytes showed up inside console noise. Resync.
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		return payload, nil
	}
}

// DialSerial opens the device at 115200 8N1.
func DialSerial(port string) (io.ReadWriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	return p, nil
}

// DialTCP connects to a device's network API, with optional TLS.
func DialTCP(address string, useTLS bool) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	if useTLS {
		conn, err := tls.DialWithDialer(&d, "tcp", address, nil)
		if err != nil {
			return nil, fmt.Errorf("dial tls %s: %w", address, err)
		}
		return conn, nil
	}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", address, err)
	}
	return conn, nil
}

// StreamLink implements Link over a framed byte stream and a payload codec.
type StreamLink struct {
	codec  Codec
	events chan Event

	writeMu sync.Mutex
	rwc     io.ReadWriteCloser

	closeOnce sync.Once
	closed    chan struct{}
	packetID  uint32
	idMu      sync.Mutex
}

// NewStreamLink starts reading frames from rwc. The returned link owns rwc.
func NewStreamLink(rwc io.ReadWriteCloser, codec Codec) *StreamLink {
	l := &StreamLink{
		codec:  codec,
		events: make(chan Event, 64),
		rwc:    rwc,
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *StreamLink) readLoop() {
	defer close(l.events)
	r := bufio.NewReader(l.rwc)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.events <- FaultEvent{Err: fmt.Errorf("read link: %w", err)}
			}
			return
		}
		evs, err := l.codec.Decode(payload)
		if err != nil {
			// Unknown payloads are normal, the device streams more than
			// text and config.
			continue
		}
		for _, ev := range evs {
			select {
			case l.events <- ev:
			case <-l.closed:
				return
			}
		}
	}
}

// Events returns the link's event stream. It closes when the link dies.
func (l *StreamLink) Events() <-chan Event {
	return l.events
}

// RequestConfig asks the device to stream its configuration.
func (l *StreamLink) RequestConfig() error {
	payload, err := l.codec.EncodeWantConfig(l.nextPacketID())
	if err != nil {
		return fmt.Errorf("encode config request: %w", err)
	}
	return l.writeFrame(payload)
}

// SendText transmits a text message.
func (l *StreamLink) SendText(text string, dest uint32, wantAck bool, channel uint8) error {
	payload, err := l.codec.EncodeText(text, dest, channel, wantAck, l.nextPacketID())
	if err != nil {
		return fmt.Errorf("encode text: %w", err)
	}
	return l.writeFrame(payload)
}

// SetOwner renames the node when the codec speaks the admin channel.
// Codecs without OwnerCodec make this a no-op.
func (l *StreamLink) SetOwner(longName string) error {
	oc, ok := l.codec.(OwnerCodec)
	if !ok {
		return nil
	}
	payload, err := oc.EncodeSetOwner(longName, l.nextPacketID())
	if err != nil {
		return fmt.Errorf("encode set owner: %w", err)
	}
	return l.writeFrame(payload)
}

// Heartbeat sends the keepalive payload.
func (l *StreamLink) Heartbeat() error {
	payload, err := l.codec.EncodeHeartbeat()
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return l.writeFrame(payload)
}

func (l *StreamLink) writeFrame(payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return WriteFrame(l.rwc, payload)
}

func (l *StreamLink) nextPacketID() uint32 {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	l.packetID++
	return l.packetID
}

// Close tears down the transport. Safe to call more than once.
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.rwc.Close()
	})
	return err
}
