// Package doh relays DNS queries received over a tunnel session to a
// DNS-over-HTTPS resolver.
//
// Inside the tunnel every DNS message travels as a unit of
//
//	[u16 BE length][message]
//
// and units may be split or coalesced arbitrarily across WebSocket frames.
package doh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// lengthSize is the size of the unit length prefix.
	lengthSize = 2

	// MaxMessageSize is the largest message a unit can carry.
	MaxMessageSize = math.MaxUint16
)

// ErrMessageTooLarge is returned by Frame for messages that do not fit the
// 16-bit length prefix.
var ErrMessageTooLarge = errors.New("dns message too large")

// Framer splits a stream of chunks into DNS messages. A trailing partial
// unit is held until a later chunk completes it. Not safe for concurrent use.
type Framer struct {
	buf []byte
}

// Feed appends chunk to any held partial unit and returns every complete
// message now available, in order. Returned slices do not alias chunk.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var msgs [][]byte
	for len(f.buf) >= lengthSize {
		n := int(binary.BigEndian.Uint16(f.buf))
		if len(f.buf) < lengthSize+n {
			break
		}
		msg := make([]byte, n)
		copy(msg, f.buf[lengthSize:lengthSize+n])
		msgs = append(msgs, msg)
		f.buf = f.buf[lengthSize+n:]
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return msgs
}

// Pending returns the number of buffered bytes belonging to an incomplete unit.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Frame prefixes msg with its 16-bit big-endian length.
func Frame(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	out := make([]byte, lengthSize, lengthSize+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	return append(out, msg...), nil
}
