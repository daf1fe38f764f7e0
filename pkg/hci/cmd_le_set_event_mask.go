package hci

import (
	"context"
	"encoding/binary"
)

// Section 7.8.1
type LEEventMask uint64

const (
	LEEventMaskConnectionCompleteEvent       LEEventMask = (1 << 0)
	LEEventMaskConnectionUpdateCompleteEvent LEEventMask = (1 << 2)
)

type LESetEventMaskCommandPacket struct {
	LEEventMask
}

func (p *LESetEventMaskCommandPacket) Marshal() ([]byte, error) {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint64(params, uint64(p.LEEventMask))
	return marshalCommand(OpcodeLESetEventMask, params)
}

func (p *LESetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	params, err := expectCommand(buf, OpcodeLESetEventMask, 8)
	if err != nil {
		return err
	}
	p.LEEventMask = LEEventMask(binary.LittleEndian.Uint64(params))
	return nil
}

func (p *LESetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeLESetEventMask
}

func (a *Adapter) LESetEventMask(ctx context.Context, mask LEEventMask) error {
	_, err := a.op(ctx, &LESetEventMaskCommandPacket{LEEventMask: mask})
	return err
}
