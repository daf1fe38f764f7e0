package hci

import (
	"context"
	"encoding/binary"
	"fmt"
)

type AdvertisingType uint8

const (
	AdvertisingTypeConnectableUndirected    AdvertisingType = 0x00
	AdvertisingTypeScannableUndirected      AdvertisingType = 0x02
	AdvertisingTypeNonConnectableUndirected AdvertisingType = 0x03
)

type AdvertisingChannelMap uint8

const (
	AdvertisingChannelMapChannel37 AdvertisingChannelMap = 0x01
	AdvertisingChannelMapChannel38 AdvertisingChannelMap = 0x02
	AdvertisingChannelMapChannel39 AdvertisingChannelMap = 0x04

	AdvertisingChannelMapDefault AdvertisingChannelMap = 0x07
)

// Advertising intervals are in units of 0.625ms.
const (
	AdvertisingIntervalDefault uint16 = 0x0800
	advertisingIntervalMin     uint16 = 0x0020
	advertisingIntervalMax     uint16 = 0x4000
)

type LESetAdvertisingParametersCommandPacket struct {
	AdvertisingIntervalMin  uint16
	AdvertisingIntervalMax  uint16
	AdvertisingType         AdvertisingType
	OwnAddressType          OwnAddressType
	PeerAddressType         PeerAddressType
	PeerAddress             BDAddr
	AdvertisingChannelMap   AdvertisingChannelMap
	AdvertisingFilterPolicy uint8
}

func (p *LESetAdvertisingParametersCommandPacket) Marshal() ([]byte, error) {
	params := make([]byte, 15)
	binary.LittleEndian.PutUint16(params[0:], p.AdvertisingIntervalMin)
	binary.LittleEndian.PutUint16(params[2:], p.AdvertisingIntervalMax)
	params[4] = byte(p.AdvertisingType)
	params[5] = byte(p.OwnAddressType)
	params[6] = byte(p.PeerAddressType)
	copy(params[7:13], p.PeerAddress[:])
	params[13] = byte(p.AdvertisingChannelMap)
	params[14] = p.AdvertisingFilterPolicy
	return marshalCommand(OpcodeLESetAdvertisingParameters, params)
}

func (p *LESetAdvertisingParametersCommandPacket) Unmarshal(buf []byte) error {
	params, err := expectCommand(buf, OpcodeLESetAdvertisingParameters, 15)
	if err != nil {
		return err
	}
	p.AdvertisingIntervalMin = binary.LittleEndian.Uint16(params[0:])
	p.AdvertisingIntervalMax = binary.LittleEndian.Uint16(params[2:])
	p.AdvertisingType = AdvertisingType(params[4])
	p.OwnAddressType = OwnAddressType(params[5])
	p.PeerAddressType = PeerAddressType(params[6])
	copy(p.PeerAddress[:], params[7:13])
	p.AdvertisingChannelMap = AdvertisingChannelMap(params[13])
	p.AdvertisingFilterPolicy = params[14]
	return nil
}

func (p *LESetAdvertisingParametersCommandPacket) Opcode() Opcode {
	return OpcodeLESetAdvertisingParameters
}

// LESetAdvertisingParameters fills zero intervals and channel maps with
// defaults before sending.
func (a *Adapter) LESetAdvertisingParameters(ctx context.Context, p LESetAdvertisingParametersCommandPacket) error {
	if p.AdvertisingIntervalMin == 0 {
		p.AdvertisingIntervalMin = AdvertisingIntervalDefault
	}
	if p.AdvertisingIntervalMax == 0 {
		p.AdvertisingIntervalMax = AdvertisingIntervalDefault
	}
	for _, v := range []uint16{p.AdvertisingIntervalMin, p.AdvertisingIntervalMax} {
		if v < advertisingIntervalMin || v > advertisingIntervalMax {
			return fmt.Errorf("hci: advertising interval 0x%04x out of range", v)
		}
	}
	if p.AdvertisingIntervalMin > p.AdvertisingIntervalMax {
		return fmt.Errorf("hci: advertising interval min 0x%04x above max 0x%04x", p.AdvertisingIntervalMin, p.AdvertisingIntervalMax)
	}
	if p.AdvertisingChannelMap == 0 {
		p.AdvertisingChannelMap = AdvertisingChannelMapDefault
	}
	_, err := a.op(ctx, &p)
	return err
}
