package hci

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var (
	ErrIncorrectPacket   = errors.New("hci: incorrect packet")
	ErrUnsupportedPacket = errors.New("hci: unsupported packet type")
)

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type CommandPacket interface {
	Packet
	Opcode() Opcode
}

// Unmarshal decodes one packet including its type indicator. Events without
// a dedicated type decode to *EventPacket.
func Unmarshal(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, io.ErrShortBuffer
	}
	var p Packet
	switch PacketType(buf[0]) {
	case PacketTypeCommand:
		p = &GenericCommandPacket{}
	case PacketTypeACLData:
		p = &ACLDataPacket{}
	case PacketTypeEvent:
		if len(buf) < 3 || len(buf) != int(buf[2])+3 {
			return nil, io.ErrShortBuffer
		}
		switch EventCode(buf[1]) {
		case EventCodeCommandComplete:
			p = &CommandCompleteEventPacket{}
		case EventCodeCommandStatus:
			p = &CommandStatusEventPacket{}
		case EventCodeDisconnectionComplete:
			p = &DisconnectionCompleteEventPacket{}
		case EventCodeNumberOfCompletedPackets:
			p = &NumberOfCompletedPacketsEventPacket{}
		case EventCodeLEMeta:
			if len(buf) > 3 && LEMetaSubeventCode(buf[3]) == LEMetaSubeventCodeConnectionComplete {
				p = &LEConnectionCompleteEventPacket{}
			} else {
				p = &EventPacket{}
			}
		default:
			p = &EventPacket{}
		}
	default:
		return nil, ErrUnsupportedPacket
	}
	if err := p.Unmarshal(buf); err != nil {
		return nil, err
	}
	return p, nil
}

type ACLDataPacket struct {
	PacketBoundaryFlag uint8
	BroadcastFlag      uint8
	ConnectionHandle   uint16
	Payload            []byte
}

func (p *ACLDataPacket) Unmarshal(buf []byte) error {
	if len(buf) < 5 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeACLData) {
		return ErrIncorrectPacket
	}
	b := binary.LittleEndian.Uint16(buf[1:])
	p.PacketBoundaryFlag = byte((b >> 12) & 0x03)
	p.BroadcastFlag = byte((b >> 14) & 0x03)
	p.ConnectionHandle = b & 0x0FFF
	if len(buf) != int(binary.LittleEndian.Uint16(buf[3:]))+5 {
		return io.ErrShortBuffer
	}
	p.Payload = buf[5:]
	return nil
}

func (p *ACLDataPacket) Marshal() ([]byte, error) {
	if len(p.Payload) > math.MaxUint16 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 5, 5+len(p.Payload))
	buf[0] = byte(PacketTypeACLData)
	binary.LittleEndian.PutUint16(buf[1:], p.ConnectionHandle&0x0FFF|uint16(p.PacketBoundaryFlag)<<12|uint16(p.BroadcastFlag)<<14)
	binary.LittleEndian.PutUint16(buf[3:], uint16(len(p.Payload)))
	return append(buf, p.Payload...), nil
}

// GenericCommandPacket carries any command as raw parameters.
type GenericCommandPacket struct {
	opcode     Opcode
	Parameters []byte
}

func NewGenericCommandPacket(opcode Opcode) *GenericCommandPacket {
	return &GenericCommandPacket{opcode: opcode}
}

func (p *GenericCommandPacket) Marshal() ([]byte, error) {
	return marshalCommand(p.opcode, p.Parameters)
}

func (p *GenericCommandPacket) Unmarshal(buf []byte) error {
	op, params, err := unmarshalCommand(buf)
	if err != nil {
		return err
	}
	p.opcode = op
	p.Parameters = params
	return nil
}

func (p *GenericCommandPacket) Opcode() Opcode {
	return p.opcode
}

func marshalCommand(op Opcode, params []byte) ([]byte, error) {
	if len(params) > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 4, 4+len(params))
	buf[0] = byte(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(op))
	buf[3] = byte(len(params))
	return append(buf, params...), nil
}

func unmarshalCommand(buf []byte) (Opcode, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) {
		return 0, nil, ErrIncorrectPacket
	}
	if len(buf) != int(buf[3])+4 {
		return 0, nil, io.ErrShortBuffer
	}
	return Opcode(binary.LittleEndian.Uint16(buf[1:3])), buf[4:], nil
}

// expectCommand checks the opcode and parameter length of a typed command.
func expectCommand(buf []byte, op Opcode, n int) ([]byte, error) {
	got, params, err := unmarshalCommand(buf)
	if err != nil {
		return nil, err
	}
	if got != op {
		return nil, ErrIncorrectPacket
	}
	if len(params) != n {
		return nil, io.ErrShortBuffer
	}
	return params, nil
}

type LESetAdvertisingEnableCommandPacket struct {
	AdvertisingEnable bool
}

func (p *LESetAdvertisingEnableCommandPacket) Marshal() ([]byte, error) {
	var v byte
	if p.AdvertisingEnable {
		v = 1
	}
	return marshalCommand(OpcodeLESetAdvertisingEnable, []byte{v})
}

func (p *LESetAdvertisingEnableCommandPacket) Unmarshal(buf []byte) error {
	params, err := expectCommand(buf, OpcodeLESetAdvertisingEnable, 1)
	if err != nil {
		return err
	}
	p.AdvertisingEnable = params[0] == 1
	return nil
}

func (p *LESetAdvertisingEnableCommandPacket) Opcode() Opcode {
	return OpcodeLESetAdvertisingEnable
}

func marshalEvent(code EventCode, params []byte) ([]byte, error) {
	if len(params) > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 3, 3+len(params))
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(code)
	buf[2] = byte(len(params))
	return append(buf, params...), nil
}

// eventParams validates the event header and returns at least n parameter
// bytes.
func eventParams(buf []byte, code EventCode, n int) ([]byte, error) {
	if len(buf) < 3 {
		return nil, io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(code) {
		return nil, ErrIncorrectPacket
	}
	if len(buf) != int(buf[2])+3 || len(buf)-3 < n {
		return nil, io.ErrShortBuffer
	}
	return buf[3:], nil
}

// EventPacket is an event this package does not interpret.
type EventPacket struct {
	Code       EventCode
	Parameters []byte
}

func (p *EventPacket) Marshal() ([]byte, error) {
	return marshalEvent(p.Code, p.Parameters)
}

func (p *EventPacket) Unmarshal(buf []byte) error {
	if len(buf) < 3 {
		return io.ErrShortBuffer
	}
	params, err := eventParams(buf, EventCode(buf[1]), 0)
	if err != nil {
		return err
	}
	p.Code = EventCode(buf[1])
	p.Parameters = params
	return nil
}

type CommandCompleteEventPacket struct {
	NumCommandPackets uint8
	CommandOpcode     Opcode
	ReturnParameters  []byte
}

func (p *CommandCompleteEventPacket) Unmarshal(buf []byte) error {
	params, err := eventParams(buf, EventCodeCommandComplete, 3)
	if err != nil {
		return err
	}
	p.NumCommandPackets = params[0]
	p.CommandOpcode = Opcode(binary.LittleEndian.Uint16(params[1:]))
	p.ReturnParameters = params[3:]
	return nil
}

func (p *CommandCompleteEventPacket) Marshal() ([]byte, error) {
	params := make([]byte, 3, 3+len(p.ReturnParameters))
	params[0] = p.NumCommandPackets
	binary.LittleEndian.PutUint16(params[1:], uint16(p.CommandOpcode))
	return marshalEvent(EventCodeCommandComplete, append(params, p.ReturnParameters...))
}

// CommandStatusEventPacket acknowledges commands that complete with a later
// event, such as Disconnect.
type CommandStatusEventPacket struct {
	Status            Status
	NumCommandPackets uint8
	CommandOpcode     Opcode
}

func (p *CommandStatusEventPacket) Unmarshal(buf []byte) error {
	params, err := eventParams(buf, EventCodeCommandStatus, 4)
	if err != nil {
		return err
	}
	p.Status = Status(params[0])
	p.NumCommandPackets = params[1]
	p.CommandOpcode = Opcode(binary.LittleEndian.Uint16(params[2:]))
	return nil
}

func (p *CommandStatusEventPacket) Marshal() ([]byte, error) {
	params := []byte{byte(p.Status), p.NumCommandPackets, 0, 0}
	binary.LittleEndian.PutUint16(params[2:], uint16(p.CommandOpcode))
	return marshalEvent(EventCodeCommandStatus, params)
}

type DisconnectionCompleteEventPacket struct {
	Status           Status
	ConnectionHandle uint16
	Reason           Status
}

func (p *DisconnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	params, err := eventParams(buf, EventCodeDisconnectionComplete, 4)
	if err != nil {
		return err
	}
	p.Status = Status(params[0])
	p.ConnectionHandle = binary.LittleEndian.Uint16(params[1:]) & 0x0FFF
	p.Reason = Status(params[3])
	return nil
}

func (p *DisconnectionCompleteEventPacket) Marshal() ([]byte, error) {
	params := []byte{byte(p.Status), 0, 0, byte(p.Reason)}
	binary.LittleEndian.PutUint16(params[1:], p.ConnectionHandle)
	return marshalEvent(EventCodeDisconnectionComplete, params)
}

// NumberOfCompletedPacketsEventPacket returns controller buffer credits.
// Handles and counts are interleaved on the wire.
type NumberOfCompletedPacketsEventPacket struct {
	ConnectionHandles   []uint16
	NumCompletedPackets []uint16
}

func (p *NumberOfCompletedPacketsEventPacket) Unmarshal(buf []byte) error {
	params, err := eventParams(buf, EventCodeNumberOfCompletedPackets, 1)
	if err != nil {
		return err
	}
	n := int(params[0])
	if len(params) < 1+4*n {
		return io.ErrShortBuffer
	}
	p.ConnectionHandles = make([]uint16, n)
	p.NumCompletedPackets = make([]uint16, n)
	for i := 0; i < n; i++ {
		p.ConnectionHandles[i] = binary.LittleEndian.Uint16(params[1+4*i:]) & 0x0FFF
		p.NumCompletedPackets[i] = binary.LittleEndian.Uint16(params[3+4*i:])
	}
	return nil
}

func (p *NumberOfCompletedPacketsEventPacket) Marshal() ([]byte, error) {
	n := len(p.ConnectionHandles)
	if n != len(p.NumCompletedPackets) || 1+4*n > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	params := make([]byte, 1+4*n)
	params[0] = byte(n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(params[1+4*i:], p.ConnectionHandles[i])
		binary.LittleEndian.PutUint16(params[3+4*i:], p.NumCompletedPackets[i])
	}
	return marshalEvent(EventCodeNumberOfCompletedPackets, params)
}

type LEConnectionCompleteEventPacket struct {
	Status               Status
	ConnectionHandle     uint16
	Role                 Role
	PeerAddressType      PeerAddressType
	PeerAddress          BDAddr
	ConnectionInterval   uint16
	PeripheralLatency    uint16
	SupervisionTimeout   uint16
	CentralClockAccuracy uint8
}

func (p *LEConnectionCompleteEventPacket) Marshal() ([]byte, error) {
	params := make([]byte, 19)
	params[0] = byte(LEMetaSubeventCodeConnectionComplete)
	params[1] = byte(p.Status)
	binary.LittleEndian.PutUint16(params[2:], p.ConnectionHandle)
	params[4] = byte(p.Role)
	params[5] = byte(p.PeerAddressType)
	copy(params[6:12], p.PeerAddress[:])
	binary.LittleEndian.PutUint16(params[12:], p.ConnectionInterval)
	binary.LittleEndian.PutUint16(params[14:], p.PeripheralLatency)
	binary.LittleEndian.PutUint16(params[16:], p.SupervisionTimeout)
	params[18] = p.CentralClockAccuracy
	return marshalEvent(EventCodeLEMeta, params)
}

func (p *LEConnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	params, err := eventParams(buf, EventCodeLEMeta, 19)
	if err != nil {
		return err
	}
	if LEMetaSubeventCode(params[0]) != LEMetaSubeventCodeConnectionComplete {
		return ErrIncorrectPacket
	}
	p.Status = Status(params[1])
	p.ConnectionHandle = binary.LittleEndian.Uint16(params[2:]) & 0x0FFF
	p.Role = Role(params[4])
	p.PeerAddressType = PeerAddressType(params[5])
	copy(p.PeerAddress[:], params[6:12])
	p.ConnectionInterval = binary.LittleEndian.Uint16(params[12:])
	p.PeripheralLatency = binary.LittleEndian.Uint16(params[14:])
	p.SupervisionTimeout = binary.LittleEndian.Uint16(params[16:])
	p.CentralClockAccuracy = params[18]
	return nil
}
