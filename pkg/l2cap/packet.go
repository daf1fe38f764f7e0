package l2cap

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrUnknownCommand = errors.New("l2cap: unknown signalling command")
	ErrInvalidLength  = errors.New("l2cap: invalid signalling length")
)

type SignallingPacket interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// UnmarshalSignallingPacket decodes one command from an LE signalling frame.
func UnmarshalSignallingPacket(buf []byte) (SignallingPacket, error) {
	if len(buf) < 4 {
		return nil, io.ErrShortBuffer
	}
	var p SignallingPacket
	switch Opcode(buf[0]) {
	case OpcodeCommandRejectResponse:
		p = &CommandRejectResponsePacket{}
	case OpcodeDisconnectionRequest:
		p = &DisconnectionRequestPacket{}
	case OpcodeDisconnectionResponse:
		p = &DisconnectionResponsePacket{}
	case OpcodeConnectionParameterUpdateRequest:
		p = &ConnectionParameterUpdateRequestPacket{}
	case OpcodeConnectionParameterUpdateResponse:
		p = &ConnectionParameterUpdateResponsePacket{}
	case OpcodeLECreditBasedConnectionRequest:
		p = &LECreditBasedConnectionRequestPacket{}
	case OpcodeLECreditBasedConnectionResponse:
		p = &LECreditBasedConnectionResponsePacket{}
	case OpcodeFlowControlCreditIND:
		p = &FlowControlCreditIndicationPacket{}
	default:
		return nil, ErrUnknownCommand
	}
	if err := p.Unmarshal(buf); err != nil {
		return nil, err
	}
	return p, nil
}

func header(op Opcode, id uint8, n int) []byte {
	b := make([]byte, 4+n)
	b[0] = byte(op)
	b[1] = id
	binary.LittleEndian.PutUint16(b[2:], uint16(n))
	return b
}

// body checks the command header and returns the data field, which must be
// exactly n bytes, or at least n when n is negative.
func body(buf []byte, op Opcode, n int) (uint8, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, io.ErrShortBuffer
	}
	if Opcode(buf[0]) != op {
		return 0, nil, ErrUnknownCommand
	}
	data := buf[4:]
	if len(data) != int(binary.LittleEndian.Uint16(buf[2:])) {
		return 0, nil, io.ErrShortBuffer
	}
	if (n >= 0 && len(data) != n) || (n < 0 && len(data) < -n) {
		return 0, nil, ErrInvalidLength
	}
	return buf[1], data, nil
}

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type CommandRejectResponsePacket struct {
	Identifier uint8
	Reason     CommandRejectReason
	ReasonData []byte
}

func (p *CommandRejectResponsePacket) Marshal() ([]byte, error) {
	b := header(OpcodeCommandRejectResponse, p.Identifier, 2+len(p.ReasonData))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Reason))
	copy(b[6:], p.ReasonData)
	return b, nil
}

func (p *CommandRejectResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeCommandRejectResponse, -2)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.Reason = CommandRejectReason(binary.LittleEndian.Uint16(data))
	p.ReasonData = data[2:]
	return nil
}

// DisconnectionRequestPacket names the channel from the receiver's point of
// view in DestinationCID and the sender's in SourceCID. The response echoes
// both.
type DisconnectionRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionRequestPacket) Marshal() ([]byte, error) {
	return marshalCIDPair(OpcodeDisconnectionRequest, p.Identifier, p.DestinationCID, p.SourceCID), nil
}

func (p *DisconnectionRequestPacket) Unmarshal(buf []byte) (err error) {
	p.Identifier, p.DestinationCID, p.SourceCID, err = unmarshalCIDPair(buf, OpcodeDisconnectionRequest)
	return err
}

type DisconnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionResponsePacket) Marshal() ([]byte, error) {
	return marshalCIDPair(OpcodeDisconnectionResponse, p.Identifier, p.DestinationCID, p.SourceCID), nil
}

func (p *DisconnectionResponsePacket) Unmarshal(buf []byte) (err error) {
	p.Identifier, p.DestinationCID, p.SourceCID, err = unmarshalCIDPair(buf, OpcodeDisconnectionResponse)
	return err
}

func marshalCIDPair(op Opcode, id uint8, dcid, scid ChannelID) []byte {
	b := header(op, id, 4)
	binary.LittleEndian.PutUint16(b[4:], uint16(dcid))
	binary.LittleEndian.PutUint16(b[6:], uint16(scid))
	return b
}

func unmarshalCIDPair(buf []byte, op Opcode) (uint8, ChannelID, ChannelID, error) {
	id, data, err := body(buf, op, 4)
	if err != nil {
		return 0, 0, 0, err
	}
	return id, ChannelID(binary.LittleEndian.Uint16(data)), ChannelID(binary.LittleEndian.Uint16(data[2:])), nil
}

type ConnectionParameterUpdateRequestPacket struct {
	Identifier  uint8
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
}

func (p *ConnectionParameterUpdateRequestPacket) Marshal() ([]byte, error) {
	b := header(OpcodeConnectionParameterUpdateRequest, p.Identifier, 8)
	binary.LittleEndian.PutUint16(b[4:], p.IntervalMin)
	binary.LittleEndian.PutUint16(b[6:], p.IntervalMax)
	binary.LittleEndian.PutUint16(b[8:], p.Latency)
	binary.LittleEndian.PutUint16(b[10:], p.Timeout)
	return b, nil
}

func (p *ConnectionParameterUpdateRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeConnectionParameterUpdateRequest, 8)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.IntervalMin = binary.LittleEndian.Uint16(data[0:])
	p.IntervalMax = binary.LittleEndian.Uint16(data[2:])
	p.Latency = binary.LittleEndian.Uint16(data[4:])
	p.Timeout = binary.LittleEndian.Uint16(data[6:])
	return nil
}

type ConnectionParameterUpdateResult uint16

const (
	ConnectionParameterUpdateResultAccepted ConnectionParameterUpdateResult = 0x0000
	ConnectionParameterUpdateResultRejected ConnectionParameterUpdateResult = 0x0001
)

type ConnectionParameterUpdateResponsePacket struct {
	Identifier uint8
	Result     ConnectionParameterUpdateResult
}

func (p *ConnectionParameterUpdateResponsePacket) Marshal() ([]byte, error) {
	b := header(OpcodeConnectionParameterUpdateResponse, p.Identifier, 2)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Result))
	return b, nil
}

func (p *ConnectionParameterUpdateResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeConnectionParameterUpdateResponse, 2)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.Result = ConnectionParameterUpdateResult(binary.LittleEndian.Uint16(data))
	return nil
}

type LECreditBasedConnectionRequestPacket struct {
	Identifier     uint8
	SPSM           uint16
	SourceCID      ChannelID
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
}

func (p *LECreditBasedConnectionRequestPacket) Marshal() ([]byte, error) {
	b := header(OpcodeLECreditBasedConnectionRequest, p.Identifier, 10)
	binary.LittleEndian.PutUint16(b[4:], p.SPSM)
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[8:], p.MTU)
	binary.LittleEndian.PutUint16(b[10:], p.MPS)
	binary.LittleEndian.PutUint16(b[12:], p.InitialCredits)
	return b, nil
}

func (p *LECreditBasedConnectionRequestPacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeLECreditBasedConnectionRequest, 10)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.SPSM = binary.LittleEndian.Uint16(data[0:])
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(data[2:]))
	p.MTU = binary.LittleEndian.Uint16(data[4:])
	p.MPS = binary.LittleEndian.Uint16(data[6:])
	p.InitialCredits = binary.LittleEndian.Uint16(data[8:])
	return nil
}

type LECreditBasedConnectionResult uint16

const (
	LECreditBasedConnectionResultSuccessful                       LECreditBasedConnectionResult = 0x0000
	LECreditBasedConnectionResultRefusedSPSMNotSupported          LECreditBasedConnectionResult = 0x0002
	LECreditBasedConnectionResultRefusedNoResourcesAvailable      LECreditBasedConnectionResult = 0x0004
	LECreditBasedConnectionResultRefusedInvalidSourceCID          LECreditBasedConnectionResult = 0x0009
	LECreditBasedConnectionResultRefusedSourceCIDAlreadyAllocated LECreditBasedConnectionResult = 0x000A
	LECreditBasedConnectionResultRefusedUnacceptableParameters    LECreditBasedConnectionResult = 0x000B
)

type LECreditBasedConnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	MTU            uint16
	MPS            uint16
	InitialCredits uint16
	Result         LECreditBasedConnectionResult
}

func (p *LECreditBasedConnectionResponsePacket) Marshal() ([]byte, error) {
	b := header(OpcodeLECreditBasedConnectionResponse, p.Identifier, 10)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], p.MTU)
	binary.LittleEndian.PutUint16(b[8:], p.MPS)
	binary.LittleEndian.PutUint16(b[10:], p.InitialCredits)
	binary.LittleEndian.PutUint16(b[12:], uint16(p.Result))
	return b, nil
}

func (p *LECreditBasedConnectionResponsePacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeLECreditBasedConnectionResponse, 10)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(data[0:]))
	p.MTU = binary.LittleEndian.Uint16(data[2:])
	p.MPS = binary.LittleEndian.Uint16(data[4:])
	p.InitialCredits = binary.LittleEndian.Uint16(data[6:])
	p.Result = LECreditBasedConnectionResult(binary.LittleEndian.Uint16(data[8:]))
	return nil
}

// FlowControlCreditIndicationPacket grants credits on the sender's CID.
type FlowControlCreditIndicationPacket struct {
	Identifier uint8
	CID        ChannelID
	Credits    uint16
}

func (p *FlowControlCreditIndicationPacket) Marshal() ([]byte, error) {
	b := header(OpcodeFlowControlCreditIND, p.Identifier, 4)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.CID))
	binary.LittleEndian.PutUint16(b[6:], p.Credits)
	return b, nil
}

func (p *FlowControlCreditIndicationPacket) Unmarshal(buf []byte) error {
	id, data, err := body(buf, OpcodeFlowControlCreditIND, 4)
	if err != nil {
		return err
	}
	p.Identifier = id
	p.CID = ChannelID(binary.LittleEndian.Uint16(data))
	p.Credits = binary.LittleEndian.Uint16(data[2:])
	return nil
}
