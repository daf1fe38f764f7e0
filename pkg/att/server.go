// Package att serves a single GATT primary service over the attribute
// protocol.
package att

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownCharacteristic = errors.New("att: unknown characteristic")
	ErrNotSubscribed         = errors.New("att: client has not enabled notifications")
	ErrValueTooLong          = errors.New("att: value exceeds mtu")
)

type Property uint8

const (
	PropertyRead                 Property = 0x02
	PropertyWriteWithoutResponse Property = 0x04
	PropertyWrite                Property = 0x08
	PropertyNotify               Property = 0x10
)

var (
	typePrimaryService = UUID16(0x2800)
	typeCharacteristic = UUID16(0x2803)
	typeCCCD           = UUID16(0x2902)
)

type Characteristic struct {
	UUID       uuid.UUID
	Properties Property
	// Value is returned to reads.
	Value []byte
	// OnWrite receives writes, in the order the client sent them.
	OnWrite func(value []byte)
}

type attribute struct {
	handle   uint16
	typ      uuid.UUID
	value    []byte
	endGroup uint16

	// char is set on value and descriptor attributes.
	char *Characteristic
	cccd bool
}

func (a *attribute) isValue() bool { return a.char != nil && !a.cccd }

type Server struct {
	log   *zap.Logger
	rxMTU int
	attrs []*attribute
	value map[uuid.UUID]*attribute

	mu         sync.Mutex
	mtu        int
	subscribed map[uint16]bool
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMTU sets the largest ATT_MTU the server offers.
func WithMTU(mtu int) Option {
	return func(s *Server) { s.rxMTU = mtu }
}

// NewServer lays out the service at handle 1 followed by each
// characteristic's declaration, value and, for notifying characteristics, its
// client configuration descriptor.
func NewServer(service uuid.UUID, chars []Characteristic, opts ...Option) *Server {
	s := &Server{
		log:        zap.L(),
		rxMTU:      517,
		value:      make(map[uuid.UUID]*attribute),
		mtu:        DefaultMTU,
		subscribed: make(map[uint16]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("att")
	if s.rxMTU < DefaultMTU {
		s.rxMTU = DefaultMTU
	}

	add := func(a *attribute) *attribute {
		a.handle = uint16(len(s.attrs) + 1)
		s.attrs = append(s.attrs, a)
		return a
	}
	svc := add(&attribute{typ: typePrimaryService, value: encodeUUID(service)})
	for i := range chars {
		c := &chars[i]
		decl := add(&attribute{typ: typeCharacteristic})
		val := add(&attribute{typ: c.UUID, value: c.Value, char: c})
		decl.value = append([]byte{byte(c.Properties), 0, 0}, encodeUUID(c.UUID)...)
		binary.LittleEndian.PutUint16(decl.value[1:], val.handle)
		s.value[c.UUID] = val
		if c.Properties&PropertyNotify != 0 {
			add(&attribute{typ: typeCCCD, char: c, cccd: true})
		}
	}
	svc.endGroup = uint16(len(s.attrs))
	return s
}

// MTU is the negotiated ATT_MTU.
func (s *Server) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// ValueHandle returns the handle of a characteristic's value.
func (s *Server) ValueHandle(char uuid.UUID) (uint16, bool) {
	a, ok := s.value[char]
	if !ok {
		return 0, false
	}
	return a.handle, true
}

// Reset forgets per-connection state.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtu = DefaultMTU
	s.subscribed = make(map[uint16]bool)
}

// Notification encodes a Handle Value Notification for char.
func (s *Server) Notification(char uuid.UUID, value []byte) ([]byte, error) {
	a, ok := s.value[char]
	if !ok {
		return nil, ErrUnknownCharacteristic
	}
	s.mu.Lock()
	subscribed, mtu := s.subscribed[a.handle], s.mtu
	s.mu.Unlock()
	if !subscribed {
		return nil, ErrNotSubscribed
	}
	if len(value) > mtu-3 {
		return nil, ErrValueTooLong
	}
	return (&HandleValueNotificationPacket{Handle: a.handle, Value: value}).Marshal()
}

func (s *Server) attr(h uint16) *attribute {
	if h == 0 || int(h) > len(s.attrs) {
		return nil
	}
	return s.attrs[h-1]
}

func (s *Server) read(a *attribute) ([]byte, ErrorCode, bool) {
	switch {
	case a.cccd:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.subscribed[a.handle-1] {
			return []byte{0x01, 0x00}, 0, true
		}
		return []byte{0x00, 0x00}, 0, true
	case a.isValue() && a.char.Properties&PropertyRead == 0:
		return nil, ErrorCodeReadNotPermitted, false
	}
	return a.value, 0, true
}

func errorResponse(op Opcode, h uint16, code ErrorCode) []byte {
	b, _ := (&ErrorResponsePacket{RequestOpcode: op, Handle: h, Code: code}).Marshal()
	return b
}

// rangeOf validates a handle range request and returns its bounds.
func rangeOf(op Opcode, pdu []byte) (uint16, uint16, []byte) {
	start := binary.LittleEndian.Uint16(pdu[1:])
	end := binary.LittleEndian.Uint16(pdu[3:])
	if start == 0 || start > end {
		return 0, 0, errorResponse(op, start, ErrorCodeInvalidHandle)
	}
	return start, end, nil
}

// HandleATT answers one client PDU. Commands and confirmations return nil.
func (s *Server) HandleATT(pdu []byte) []byte {
	if len(pdu) == 0 {
		return nil
	}
	op := Opcode(pdu[0])
	rsp := s.handle(op, pdu)
	if rsp == nil && op&opcodeCommandFlag == 0 && op != OpcodeHandleValueConfirmation {
		rsp = errorResponse(op, 0, ErrorCodeRequestNotSupported)
	}
	if op&opcodeCommandFlag != 0 {
		return nil
	}
	return rsp
}

// minLen is the shortest well formed PDU for each supported opcode.
var minLen = map[Opcode]int{
	OpcodeExchangeMTURequest:      3,
	OpcodeFindInformationRequest:  5,
	OpcodeFindByTypeValueRequest:  7,
	OpcodeReadByTypeRequest:       7,
	OpcodeReadRequest:             3,
	OpcodeReadBlobRequest:         5,
	OpcodeReadByGroupTypeRequest:  7,
	OpcodeWriteRequest:            3,
	OpcodeWriteCommand:            3,
	OpcodeHandleValueConfirmation: 1,
}

func (s *Server) handle(op Opcode, pdu []byte) []byte {
	n, known := minLen[op]
	if !known {
		return nil
	}
	if len(pdu) < n {
		return errorResponse(op, 0, ErrorCodeInvalidPDU)
	}

	switch op {
	case OpcodeExchangeMTURequest:
		client := int(binary.LittleEndian.Uint16(pdu[1:]))
		mtu := min(client, s.rxMTU)
		if mtu < DefaultMTU {
			mtu = DefaultMTU
		}
		s.mu.Lock()
		s.mtu = mtu
		s.mu.Unlock()
		s.log.Debug("mtu exchanged", zap.Int("client", client), zap.Int("mtu", mtu))
		b := []byte{byte(OpcodeExchangeMTUResponse), 0, 0}
		binary.LittleEndian.PutUint16(b[1:], uint16(s.rxMTU))
		return b
	case OpcodeFindInformationRequest:
		return s.findInformation(pdu)
	case OpcodeFindByTypeValueRequest:
		return s.findByTypeValue(pdu)
	case OpcodeReadByTypeRequest:
		return s.readByType(pdu)
	case OpcodeReadByGroupTypeRequest:
		return s.readByGroupType(pdu)
	case OpcodeReadRequest, OpcodeReadBlobRequest:
		return s.readValue(op, pdu)
	case OpcodeWriteRequest, OpcodeWriteCommand:
		return s.write(op, pdu)
	}
	return nil
}

func (s *Server) findInformation(pdu []byte) []byte {
	start, end, rsp := rangeOf(OpcodeFindInformationRequest, pdu)
	if rsp != nil {
		return rsp
	}
	limit := s.MTU() - 2
	var format byte
	out := []byte{byte(OpcodeFindInformationResponse), 0}
	for _, a := range s.attrs {
		if a.handle < start || a.handle > end {
			continue
		}
		t := encodeUUID(a.typ)
		f := byte(0x01)
		if len(t) == 16 {
			f = 0x02
		}
		if format == 0 {
			format = f
		}
		if f != format || len(out)-2+2+len(t) > limit {
			break
		}
		out = binary.LittleEndian.AppendUint16(out, a.handle)
		out = append(out, t...)
	}
	if format == 0 {
		return errorResponse(OpcodeFindInformationRequest, start, ErrorCodeAttributeNotFound)
	}
	out[1] = format
	return out
}

func (s *Server) findByTypeValue(pdu []byte) []byte {
	start, end, rsp := rangeOf(OpcodeFindByTypeValueRequest, pdu)
	if rsp != nil {
		return rsp
	}
	typ := UUID16(binary.LittleEndian.Uint16(pdu[5:]))
	value := pdu[7:]
	out := []byte{byte(OpcodeFindByTypeValueResponse)}
	for _, a := range s.attrs {
		if a.handle < start || a.handle > end || a.typ != typ || a.cccd || !bytes.Equal(a.value, value) {
			continue
		}
		group := a.endGroup
		if group == 0 {
			group = a.handle
		}
		out = binary.LittleEndian.AppendUint16(out, a.handle)
		out = binary.LittleEndian.AppendUint16(out, group)
	}
	if len(out) == 1 {
		return errorResponse(OpcodeFindByTypeValueRequest, start, ErrorCodeAttributeNotFound)
	}
	return out
}

func (s *Server) readByType(pdu []byte) []byte {
	start, end, rsp := rangeOf(OpcodeReadByTypeRequest, pdu)
	if rsp != nil {
		return rsp
	}
	typ, ok := decodeUUID(pdu[5:])
	if !ok {
		return errorResponse(OpcodeReadByTypeRequest, start, ErrorCodeInvalidPDU)
	}
	mtu := s.MTU()
	out := []byte{byte(OpcodeReadByTypeResponse), 0}
	var size int
	for _, a := range s.attrs {
		if a.handle < start || a.handle > end || a.typ != typ {
			continue
		}
		v, code, ok := s.read(a)
		if !ok {
			if size == 0 {
				return errorResponse(OpcodeReadByTypeRequest, a.handle, code)
			}
			break
		}
		if len(v) > min(mtu-4, 253) {
			v = v[:min(mtu-4, 253)]
		}
		if size == 0 {
			size = 2 + len(v)
		}
		if 2+len(v) != size || len(out)+size > mtu {
			break
		}
		out = binary.LittleEndian.AppendUint16(out, a.handle)
		out = append(out, v...)
	}
	if size == 0 {
		return errorResponse(OpcodeReadByTypeRequest, start, ErrorCodeAttributeNotFound)
	}
	out[1] = byte(size)
	return out
}

func (s *Server) readByGroupType(pdu []byte) []byte {
	start, end, rsp := rangeOf(OpcodeReadByGroupTypeRequest, pdu)
	if rsp != nil {
		return rsp
	}
	typ, ok := decodeUUID(pdu[5:])
	if !ok {
		return errorResponse(OpcodeReadByGroupTypeRequest, start, ErrorCodeInvalidPDU)
	}
	if typ != typePrimaryService {
		if typ == UUID16(0x2801) {
			return errorResponse(OpcodeReadByGroupTypeRequest, start, ErrorCodeAttributeNotFound)
		}
		return errorResponse(OpcodeReadByGroupTypeRequest, start, ErrorCodeUnsupportedGroupType)
	}
	out := []byte{byte(OpcodeReadByGroupTypeResponse), 0}
	var size int
	for _, a := range s.attrs {
		if a.handle < start || a.handle > end || a.typ != typ {
			continue
		}
		if size == 0 {
			size = 4 + len(a.value)
		}
		if 4+len(a.value) != size || len(out)+size > s.MTU() {
			break
		}
		out = binary.LittleEndian.AppendUint16(out, a.handle)
		out = binary.LittleEndian.AppendUint16(out, a.endGroup)
		out = append(out, a.value...)
	}
	if size == 0 {
		return errorResponse(OpcodeReadByGroupTypeRequest, start, ErrorCodeAttributeNotFound)
	}
	out[1] = byte(size)
	return out
}

func (s *Server) readValue(op Opcode, pdu []byte) []byte {
	h := binary.LittleEndian.Uint16(pdu[1:])
	a := s.attr(h)
	if a == nil {
		return errorResponse(op, h, ErrorCodeInvalidHandle)
	}
	v, code, ok := s.read(a)
	if !ok {
		return errorResponse(op, h, code)
	}
	rspOp := OpcodeReadResponse
	if op == OpcodeReadBlobRequest {
		off := int(binary.LittleEndian.Uint16(pdu[3:]))
		if off > len(v) {
			return errorResponse(op, h, ErrorCodeInvalidOffset)
		}
		v = v[off:]
		rspOp = OpcodeReadBlobResponse
	}
	if limit := s.MTU() - 1; len(v) > limit {
		v = v[:limit]
	}
	return append([]byte{byte(rspOp)}, v...)
}

func (s *Server) write(op Opcode, pdu []byte) []byte {
	h := binary.LittleEndian.Uint16(pdu[1:])
	value := append([]byte(nil), pdu[3:]...)
	a := s.attr(h)
	switch {
	case a == nil:
		return errorResponse(op, h, ErrorCodeInvalidHandle)
	case a.cccd:
		if len(value) != 2 {
			return errorResponse(op, h, ErrorCodeInvalidAttributeValueLength)
		}
		on := binary.LittleEndian.Uint16(value)&0x0001 != 0
		s.mu.Lock()
		// The descriptor directly follows its value attribute.
		s.subscribed[h-1] = on
		s.mu.Unlock()
		s.log.Debug("notifications", zap.Stringer("char", a.char.UUID), zap.Bool("enabled", on))
	case a.isValue() && a.char.Properties&(PropertyWrite|PropertyWriteWithoutResponse) != 0:
		if a.char.OnWrite != nil {
			a.char.OnWrite(value)
		}
	default:
		return errorResponse(op, h, ErrorCodeWriteNotPermitted)
	}
	return []byte{byte(OpcodeWriteResponse)}
}
