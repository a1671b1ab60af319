// Package wire implements the mesh overlay wire format: a fixed binary
// frame carrying a sender identity, a monotonic sequence number, and an
// opaque payload. Payload confidentiality is delegated to the layer above;
// this package only frames and validates bytes.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Version is the only wire format version this build understands. Future
// versions negotiate by bumping this byte; Decode rejects frames carrying
// any other version.
const Version uint8 = 1

// MaxPacketSize is the largest frame Decode will accept and Encode will
// produce. Packets larger than this are dropped with no fragmentation.
const MaxPacketSize = 1400

// Field limits, enforced by Encode/Decode so a malformed or hostile peer
// cannot force an unbounded allocation from a short length prefix.
const (
	MaxIDLength      = 255
	MaxPayloadLength = MaxPacketSize
)

// Kind identifies the semantic role of a Message on the wire.
type Kind uint8

const (
	KindPing               Kind = 1
	KindPong               Kind = 2
	KindHolePunchRequest   Kind = 3
	KindHolePunchExecute   Kind = 4
	KindHolePunchResult    Kind = 5
	KindRelayRegister      Kind = 6
	KindRelayRegisterAck   Kind = 7
	KindRelayForward       Kind = 8
	KindRelayForwardResult Kind = 9
	KindEndpointQuery      Kind = 10
	KindEndpointResponse   Kind = 11
	KindAppData            Kind = 12
)

func (k Kind) Valid() bool {
	return k >= KindPing && k <= KindAppData
}

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindHolePunchRequest:
		return "HolePunchRequest"
	case KindHolePunchExecute:
		return "HolePunchExecute"
	case KindHolePunchResult:
		return "HolePunchResult"
	case KindRelayRegister:
		return "RelayRegister"
	case KindRelayRegisterAck:
		return "RelayRegisterAck"
	case KindRelayForward:
		return "RelayForward"
	case KindRelayForwardResult:
		return "RelayForwardResult"
	case KindEndpointQuery:
		return "EndpointQuery"
	case KindEndpointResponse:
		return "EndpointResponse"
	case KindAppData:
		return "AppData"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// PeerID is an opaque, externally-chosen identity. Equality is by bytes;
// the underlying string holds the raw bytes (not necessarily valid UTF-8),
// which keeps PeerID comparable and usable as a map key without a second
// "canonical form" representation to keep in sync.
type PeerID string

// MachineID is an opaque, externally-chosen device identity.
type MachineID string

func (p PeerID) String() string     { return fmt.Sprintf("%x", string(p)) }
func (m MachineID) String() string  { return fmt.Sprintf("%x", string(m)) }

// Message is the decoded form of a single mesh datagram.
type Message struct {
	Kind       Kind
	SenderPID  PeerID
	SenderMID  MachineID
	Seq        uint64
	Payload    []byte
}

// Encode serializes m into the wire format described by spec §4.B:
//
//	ver(1) kind(1) sender_pid(len+bytes) sender_mid(len+bytes) seq(8) payload(len+bytes)
//
// It returns an error if any field exceeds its limit or the resulting
// frame would exceed MaxPacketSize.
func Encode(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("wire: invalid message kind %d", m.Kind)
	}
	if len(m.SenderPID) > MaxIDLength {
		return nil, fmt.Errorf("wire: sender_pid too long (%d > %d)", len(m.SenderPID), MaxIDLength)
	}
	if len(m.SenderMID) > MaxIDLength {
		return nil, fmt.Errorf("wire: sender_mid too long (%d > %d)", len(m.SenderMID), MaxIDLength)
	}
	if len(m.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("wire: payload too long (%d > %d)", len(m.Payload), MaxPayloadLength)
	}

	size := 1 + 1 + (1 + len(m.SenderPID)) + (1 + len(m.SenderMID)) + 8 + (2 + len(m.Payload))
	if size > MaxPacketSize {
		return nil, fmt.Errorf("wire: encoded frame too large (%d > %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = Version
	off++
	buf[off] = uint8(m.Kind)
	off++
	buf[off] = uint8(len(m.SenderPID))
	off++
	off += copy(buf[off:], m.SenderPID)
	buf[off] = uint8(len(m.SenderMID))
	off++
	off += copy(buf[off:], m.SenderMID)
	binary.BigEndian.PutUint64(buf[off:], m.Seq)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.Payload)))
	off += 2
	off += copy(buf[off:], m.Payload)

	return buf[:off], nil
}

// Decode parses a wire frame produced by Encode. It rejects unknown
// versions and kinds, truncated frames, and frames whose declared lengths
// don't fit the remaining buffer — a hostile or corrupt peer cannot make
// Decode over-read.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("wire: frame exceeds max packet size (%d > %d)", len(data), MaxPacketSize)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("wire: frame too short (%d bytes)", len(data))
	}

	off := 0
	ver := data[off]
	off++
	if ver != Version {
		return nil, fmt.Errorf("wire: unsupported version %d", ver)
	}

	kind := Kind(data[off])
	off++
	if !kind.Valid() {
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}

	pid, off, err := readLenPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("wire: sender_pid: %w", err)
	}
	mid, off, err := readLenPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("wire: sender_mid: %w", err)
	}

	if off+8 > len(data) {
		return nil, fmt.Errorf("wire: truncated seq_num")
	}
	seq := binary.BigEndian.Uint64(data[off:])
	off += 8

	if off+2 > len(data) {
		return nil, fmt.Errorf("wire: truncated payload length")
	}
	plen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if plen > MaxPayloadLength || off+plen > len(data) {
		return nil, fmt.Errorf("wire: truncated or oversized payload (%d bytes)", plen)
	}
	payload := append([]byte(nil), data[off:off+plen]...)
	off += plen

	return &Message{
		Kind:      kind,
		SenderPID: PeerID(pid),
		SenderMID: MachineID(mid),
		Seq:       seq,
		Payload:   payload,
	}, nil
}

// readLenPrefixed reads a one-byte-length-prefixed field starting at off
// and returns its bytes (as a string, matching PeerID/MachineID's
// byte-string representation) and the offset just past it.
func readLenPrefixed(data []byte, off int) (string, int, error) {
	if off >= len(data) {
		return "", off, fmt.Errorf("truncated length prefix")
	}
	n := int(data[off])
	off++
	if off+n > len(data) {
		return "", off, fmt.Errorf("truncated field (want %d bytes)", n)
	}
	s := string(data[off : off+n])
	return s, off + n, nil
}
