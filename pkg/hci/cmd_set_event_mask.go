package hci

import (
	"context"
	"encoding/binary"
)

// Section 7.3.1
type EventMask uint64

const (
	EventMaskDisconnectionCompleteEvent EventMask = (1 << 4)
	EventMaskHardwareErrorEvent         EventMask = (1 << 15)
	EventMaskLEMetaEvent                EventMask = (1 << 61)
)

type SetEventMaskCommandPacket struct {
	EventMask
}

func (p *SetEventMaskCommandPacket) Marshal() ([]byte, error) {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint64(params, uint64(p.EventMask))
	return marshalCommand(OpcodeSetEventMask, params)
}

func (p *SetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	params, err := expectCommand(buf, OpcodeSetEventMask, 8)
	if err != nil {
		return err
	}
	p.EventMask = EventMask(binary.LittleEndian.Uint64(params))
	return nil
}

func (p *SetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeSetEventMask
}

func (a *Adapter) SetEventMask(ctx context.Context, mask EventMask) error {
	_, err := a.op(ctx, &SetEventMaskCommandPacket{EventMask: mask})
	return err
}
