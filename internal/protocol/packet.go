// Package protocol defines the VLESS-style request header carried in the
// first WebSocket frame of every tunnel session, and the 0-RTT early data
// encoding used during the WebSocket upgrade.
package protocol

import (
	"errors"

	"github.com/1ureka/vlessgate/internal/directory"
)

// Header layout offsets and sizes.
const (
	versionOffset  = 0
	credentialOff  = 1
	credentialSize = 16
	optLenOffset   = credentialOff + credentialSize // 17

	// MinHeaderSize is the shortest buffer ParseHeader accepts.
	MinHeaderSize = 24
)

// Transport is the requested outbound network.
type Transport uint8

const (
	TransportTCP Transport = 0x01
	TransportUDP Transport = 0x02
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// AddressKind identifies how the destination address is encoded.
type AddressKind uint8

const (
	AddressIPv4   AddressKind = 0x01
	AddressDomain AddressKind = 0x02
	AddressIPv6   AddressKind = 0x03
)

// Header errors. Every one of them is fatal to the session.
var (
	ErrMalformedHeader      = errors.New("malformed header")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrInvalidAddressType   = errors.New("invalid address type")
	ErrEmptyAddress         = errors.New("empty address")

	// ErrProtocol marks any session-level protocol violation, including a
	// broken early data value.
	ErrProtocol = errors.New("protocol error")
)

// Header is the parsed request header of a tunnel session.
type Header struct {
	Version      byte
	CredentialID string             // canonical lowercase UUID
	Account      *directory.Account // nil when unknown or expired
	AddressKind  AddressKind
	Address      string
	Port         uint16
	Transport    Transport

	// PayloadOffset is the index of the first tunneled byte in the frame the
	// header was parsed from.
	PayloadOffset int
}

// ResponsePrefix returns the two-byte acknowledgement sent ahead of the first
// chunk of data returned to the client.
func ResponsePrefix(version byte) []byte {
	return []byte{version, 0}
}
