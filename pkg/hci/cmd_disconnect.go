package hci

import (
	"encoding/binary"
)

// Section 7.1.6
type DisconnectCommandPacket struct {
	ConnectionHandle uint16
	Reason           Status
}

func (p *DisconnectCommandPacket) Marshal() ([]byte, error) {
	params := make([]byte, 3)
	binary.LittleEndian.PutUint16(params, p.ConnectionHandle)
	params[2] = byte(p.Reason)
	return marshalCommand(OpcodeDisconnect, params)
}

func (p *DisconnectCommandPacket) Unmarshal(buf []byte) error {
	params, err := expectCommand(buf, OpcodeDisconnect, 3)
	if err != nil {
		return err
	}
	p.ConnectionHandle = binary.LittleEndian.Uint16(params)
	p.Reason = Status(params[2])
	return nil
}

func (p *DisconnectCommandPacket) Opcode() Opcode {
	return OpcodeDisconnect
}
