package att

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type ErrorResponsePacket struct {
	RequestOpcode Opcode
	Handle        uint16
	Code          ErrorCode
}

func (p *ErrorResponsePacket) Marshal() ([]byte, error) {
	b := []byte{byte(OpcodeErrorResponse), byte(p.RequestOpcode), 0, 0, byte(p.Code)}
	binary.LittleEndian.PutUint16(b[2:], p.Handle)
	return b, nil
}

func (p *ErrorResponsePacket) Unmarshal(buf []byte) error {
	if len(buf) != 5 {
		return io.ErrShortBuffer
	}
	if Opcode(buf[0]) != OpcodeErrorResponse {
		return fmt.Errorf("att: opcode 0x%02x is not an error response", buf[0])
	}
	p.RequestOpcode = Opcode(buf[1])
	p.Handle = binary.LittleEndian.Uint16(buf[2:])
	p.Code = ErrorCode(buf[4])
	return nil
}

func (p *ErrorResponsePacket) Error() string {
	return fmt.Sprintf("att: request 0x%02x on handle 0x%04x failed with 0x%02x", uint8(p.RequestOpcode), p.Handle, uint8(p.Code))
}

type HandleValueNotificationPacket struct {
	Handle uint16
	Value  []byte
}

func (p *HandleValueNotificationPacket) Marshal() ([]byte, error) {
	b := make([]byte, 3+len(p.Value))
	b[0] = byte(OpcodeHandleValueNotification)
	binary.LittleEndian.PutUint16(b[1:], p.Handle)
	copy(b[3:], p.Value)
	return b, nil
}

func (p *HandleValueNotificationPacket) Unmarshal(buf []byte) error {
	if len(buf) < 3 {
		return io.ErrShortBuffer
	}
	if Opcode(buf[0]) != OpcodeHandleValueNotification {
		return fmt.Errorf("att: opcode 0x%02x is not a notification", buf[0])
	}
	p.Handle = binary.LittleEndian.Uint16(buf[1:])
	p.Value = buf[3:]
	return nil
}

// bluetoothBase is the Bluetooth Base UUID that 16-bit UUIDs expand into.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16-bit assigned number.
func UUID16(v uint16) uuid.UUID {
	u := bluetoothBase
	binary.BigEndian.PutUint16(u[2:], v)
	return u
}

// encodeUUID uses the 2 byte form for assigned numbers and 16 bytes, least
// significant first, otherwise.
func encodeUUID(u uuid.UUID) []byte {
	if u[0] == 0 && u[1] == 0 && [12]byte(u[4:]) == [12]byte(bluetoothBase[4:]) {
		return []byte{u[3], u[2]}
	}
	b := make([]byte, 16)
	for i := range b {
		b[i] = u[15-i]
	}
	return b
}

func decodeUUID(b []byte) (uuid.UUID, bool) {
	switch len(b) {
	case 2:
		return UUID16(binary.LittleEndian.Uint16(b)), true
	case 16:
		var u uuid.UUID
		for i := range u {
			u[i] = b[15-i]
		}
		return u, true
	}
	return uuid.Nil, false
}
