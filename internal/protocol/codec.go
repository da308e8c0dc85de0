package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/vlessgate/internal/directory"
)

// ParseHeader decodes the request header at the start of buf. It never
// touches the account directory; see ReadHeader.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < MinHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedHeader, len(buf), MinHeaderSize)
	}

	id, err := uuid.FromBytes(buf[credentialOff : credentialOff+credentialSize])
	if err != nil {
		return nil, fmt.Errorf("%w: credential: %v", ErrMalformedHeader, err)
	}

	h := &Header{
		Version:      buf[versionOffset],
		CredentialID: id.String(),
	}

	// Options are skipped entirely.
	cursor := optLenOffset + 1 + int(buf[optLenOffset])

	// transport(1) + port(2) + address kind(1)
	if cursor+4 > len(buf) {
		return nil, fmt.Errorf("%w: options length %d exceeds frame", ErrMalformedHeader, buf[optLenOffset])
	}

	switch code := buf[cursor]; Transport(code) {
	case TransportTCP, TransportUDP:
		h.Transport = Transport(code)
	default:
		return nil, fmt.Errorf("%w: transport %d is not supported", ErrUnsupportedTransport, code)
	}
	cursor++

	h.Port = binary.BigEndian.Uint16(buf[cursor : cursor+2])
	cursor += 2

	h.AddressKind = AddressKind(buf[cursor])
	cursor++

	switch h.AddressKind {
	case AddressIPv4:
		if cursor+net.IPv4len > len(buf) {
			return nil, fmt.Errorf("%w: truncated IPv4 address", ErrMalformedHeader)
		}
		h.Address = formatIPv4(buf[cursor : cursor+net.IPv4len])
		cursor += net.IPv4len

	case AddressDomain:
		if cursor+1 > len(buf) {
			return nil, fmt.Errorf("%w: missing domain length", ErrMalformedHeader)
		}
		n := int(buf[cursor])
		cursor++
		if cursor+n > len(buf) {
			return nil, fmt.Errorf("%w: domain length %d exceeds frame (%d bytes left)", ErrMalformedHeader, n, len(buf)-cursor)
		}
		h.Address = string(buf[cursor : cursor+n])
		cursor += n

	case AddressIPv6:
		if cursor+net.IPv6len > len(buf) {
			return nil, fmt.Errorf("%w: truncated IPv6 address", ErrMalformedHeader)
		}
		h.Address = formatIPv6(buf[cursor : cursor+net.IPv6len])
		cursor += net.IPv6len

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddressType, h.AddressKind)
	}

	if h.Address == "" {
		return nil, ErrEmptyAddress
	}

	h.PayloadOffset = cursor
	return h, nil
}

// ReadHeader parses buf and resolves the credential against accounts as of
// asOf. An unknown or expired credential leaves Header.Account nil; deciding
// what to do about it is up to the caller.
func ReadHeader(buf []byte, accounts directory.Lookup, asOf time.Time) (*Header, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if accounts != nil {
		if a, ok := accounts.Lookup(h.CredentialID, asOf); ok {
			h.Account = a
		}
	}
	return h, nil
}

// EncodeHeader serializes h (without options) followed by payload. It is the
// inverse of ParseHeader and is what a client sends as its first frame.
func EncodeHeader(h *Header, payload []byte) ([]byte, error) {
	id, err := uuid.Parse(h.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}

	buf := make([]byte, 0, MinHeaderSize+len(h.Address)+len(payload))
	buf = append(buf, h.Version)
	buf = append(buf, id[:]...)
	buf = append(buf, 0) // no options
	buf = append(buf, byte(h.Transport))
	buf = binary.BigEndian.AppendUint16(buf, h.Port)
	buf = append(buf, byte(h.AddressKind))

	switch h.AddressKind {
	case AddressIPv4:
		ip := net.ParseIP(h.Address).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", h.Address)
		}
		buf = append(buf, ip...)
	case AddressIPv6:
		ip := net.ParseIP(h.Address)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 address %q", h.Address)
		}
		buf = append(buf, ip.To16()...)
	case AddressDomain:
		if len(h.Address) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(h.Address))
		}
		buf = append(buf, byte(len(h.Address)))
		buf = append(buf, h.Address...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddressType, h.AddressKind)
	}

	return append(buf, payload...), nil
}

// formatIPv4 joins the four octets in dotted decimal.
func formatIPv4(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ".")
}

// formatIPv6 renders all eight groups in lowercase hex without zero
// compression, e.g. "2001:db8:0:0:0:0:0:1".
func formatIPv6(b []byte) string {
	parts := make([]string, 8)
	for i := range parts {
		parts[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[i*2:])), 16)
	}
	return strings.Join(parts, ":")
}
