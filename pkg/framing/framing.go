// Package framing splits messages into link-sized pieces and reassembles them.
//
// Two disciplines are supported. L2CAP channels are byte streams, so every
// message is prefixed with its length as a little endian uint32 and several
// messages may arrive in one read. GATT writes and notifications are bounded by
// the ATT MTU, so a message is cut into chunks that each start with a flag byte:
// FlagMore when another chunk follows and FlagFinal on the last one.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/muxable/mdocble/pkg/config"
)

const (
	LengthPrefixSize = 4
	// GATTOverhead is subtracted from the MTU to size a chunk payload: the ATT
	// header plus the flag byte.
	GATTOverhead = 4

	FlagFinal byte = 0x00
	FlagMore  byte = 0x01

	MaxMessageSize = config.MaxMessageSize
)

var (
	ErrMessageTooLarge = errors.New("framing: message too large")
	ErrMTUTooSmall     = errors.New("framing: mtu too small")
	ErrEmptyChunk      = errors.New("framing: empty chunk")
	ErrInvalidFlag     = errors.New("framing: invalid continuation flag")
	ErrInvalidLength   = errors.New("framing: invalid length prefix")
	ErrMalformedCBOR   = errors.New("framing: malformed cbor")
)

// FrameForL2CAP prefixes data with its length.
func FrameForL2CAP(data []byte) ([]byte, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	buf := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)
	return buf, nil
}

// FrameForGATT cuts data into chunks of mtu-4 payload bytes plus the flag byte.
// An empty message is a single FlagFinal chunk.
func FrameForGATT(data []byte, mtu int) ([][]byte, error) {
	if mtu < GATTOverhead {
		return nil, fmt.Errorf("%w: %d < %d", ErrMTUTooSmall, mtu, GATTOverhead)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	size := mtu - GATTOverhead
	if size == 0 && len(data) > 0 {
		return nil, fmt.Errorf("%w: %d leaves no room for payload", ErrMTUTooSmall, mtu)
	}
	n := 1
	if len(data) > 0 {
		n = (len(data) + size - 1) / size
	}
	chunks := make([][]byte, n)
	for i := range chunks {
		lo := i * size
		hi := min(lo+size, len(data))
		c := make([]byte, 1+hi-lo)
		c[0] = FlagMore
		if i == n-1 {
			c[0] = FlagFinal
		}
		copy(c[1:], data[lo:hi])
		chunks[i] = c
	}
	return chunks, nil
}
