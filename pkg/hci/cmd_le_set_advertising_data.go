package hci

import (
	"context"
)

// LESetAdvertisingDataCommandPacket also encodes Set Scan Response Data,
// which shares its layout.
type LESetAdvertisingDataCommandPacket struct {
	ScanResponse bool
	Data         []byte
}

func (p *LESetAdvertisingDataCommandPacket) Marshal() ([]byte, error) {
	if len(p.Data) > MaxAdvertisingDataLength {
		return nil, ErrAdvertisingDataTooLong
	}
	params := make([]byte, 1+MaxAdvertisingDataLength)
	params[0] = byte(len(p.Data))
	copy(params[1:], p.Data)
	return marshalCommand(p.Opcode(), params)
}

func (p *LESetAdvertisingDataCommandPacket) Unmarshal(buf []byte) error {
	op, params, err := unmarshalCommand(buf)
	if err != nil {
		return err
	}
	if op != OpcodeLESetAdvertisingData && op != OpcodeLESetScanResponseData {
		return ErrIncorrectPacket
	}
	if len(params) != 1+MaxAdvertisingDataLength || int(params[0]) > MaxAdvertisingDataLength {
		return ErrAdvertisingDataTooLong
	}
	p.ScanResponse = op == OpcodeLESetScanResponseData
	p.Data = params[1 : 1+int(params[0])]
	return nil
}

func (p *LESetAdvertisingDataCommandPacket) Opcode() Opcode {
	if p.ScanResponse {
		return OpcodeLESetScanResponseData
	}
	return OpcodeLESetAdvertisingData
}

func (a *Adapter) LESetAdvertisingData(ctx context.Context, data ...DataType) error {
	buf, err := MarshalAdvertisingData(data...)
	if err != nil {
		return err
	}
	_, err = a.op(ctx, &LESetAdvertisingDataCommandPacket{Data: buf})
	return err
}

func (a *Adapter) LESetScanResponseData(ctx context.Context, data ...DataType) error {
	buf, err := MarshalAdvertisingData(data...)
	if err != nil {
		return err
	}
	_, err = a.op(ctx, &LESetAdvertisingDataCommandPacket{ScanResponse: true, Data: buf})
	return err
}
