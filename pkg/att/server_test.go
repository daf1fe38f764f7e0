package att

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	service = uuid.MustParse("0000fff0-a123-48ce-896b-4c76973373e6")
	state   = uuid.MustParse("00000001-a123-48ce-896b-4c76973373e6")
	c2s     = uuid.MustParse("00000002-a123-48ce-896b-4c76973373e6")
	s2c     = uuid.MustParse("00000003-a123-48ce-896b-4c76973373e6")
	ident   = uuid.MustParse("00000008-a123-48ce-896b-4c76973373e6")
)

func le(u uuid.UUID) []byte { return encodeUUID(u) }

func req(op Opcode, args ...uint16) []byte {
	b := []byte{byte(op)}
	for _, a := range args {
		b = binary.LittleEndian.AppendUint16(b, a)
	}
	return b
}

func newTestServer(t *testing.T) (*Server, *[][]byte) {
	var writes [][]byte
	s := NewServer(service, []Characteristic{
		{UUID: state, Properties: PropertyWriteWithoutResponse | PropertyNotify},
		{UUID: c2s, Properties: PropertyWriteWithoutResponse, OnWrite: func(v []byte) { writes = append(writes, v) }},
		{UUID: s2c, Properties: PropertyNotify},
		{UUID: ident, Properties: PropertyRead, Value: []byte("0123456789abcdefghijklmnopqrstuvwxyz")},
	}, WithLogger(zaptest.NewLogger(t)))
	return s, &writes
}

func errorOf(t *testing.T, rsp []byte) *ErrorResponsePacket {
	t.Helper()
	p := &ErrorResponsePacket{}
	require.NoError(t, p.Unmarshal(rsp))
	return p
}

func TestLayout(t *testing.T) {
	s, _ := newTestServer(t)
	for u, h := range map[uuid.UUID]uint16{state: 3, c2s: 6, s2c: 8, ident: 11} {
		got, ok := s.ValueHandle(u)
		require.True(t, ok)
		assert.Equal(t, h, got)
	}
	_, ok := s.ValueHandle(uuid.New())
	assert.False(t, ok)
}

func TestServiceDiscovery(t *testing.T) {
	s, _ := newTestServer(t)

	rsp := s.HandleATT(req(OpcodeReadByGroupTypeRequest, 0x0001, 0xffff, 0x2800))
	want := append([]byte{0x11, 20, 0x01, 0x00, 0x0b, 0x00}, le(service)...)
	assert.Equal(t, want, rsp)

	rsp = s.HandleATT(req(OpcodeReadByGroupTypeRequest, 0x000c, 0xffff, 0x2800))
	e := errorOf(t, rsp)
	assert.Equal(t, ErrorCodeAttributeNotFound, e.Code)
	assert.Equal(t, uint16(0x000c), e.Handle)

	e = errorOf(t, s.HandleATT(req(OpcodeReadByGroupTypeRequest, 0x0001, 0xffff, 0x2803)))
	assert.Equal(t, ErrorCodeUnsupportedGroupType, e.Code)

	rsp = s.HandleATT(append(req(OpcodeFindByTypeValueRequest, 0x0001, 0xffff, 0x2800), le(service)...))
	assert.Equal(t, []byte{0x07, 0x01, 0x00, 0x0b, 0x00}, rsp)
}

func TestCharacteristicDiscovery(t *testing.T) {
	s, _ := newTestServer(t)

	rsp := s.HandleATT(req(OpcodeReadByTypeRequest, 0x0001, 0x000b, 0x2803))
	require.Len(t, rsp, 2+21)
	assert.Equal(t, byte(21), rsp[1])
	assert.Equal(t, []byte{0x02, 0x00, 0x14, 0x03, 0x00}, rsp[2:7])
	assert.Equal(t, le(state), rsp[7:])

	assert.Equal(t, []byte{0x03, 0x05, 0x02}, s.HandleATT(req(OpcodeExchangeMTURequest, 185)))
	assert.Equal(t, 185, s.MTU())

	rsp = s.HandleATT(req(OpcodeReadByTypeRequest, 0x0001, 0x000b, 0x2803))
	require.Len(t, rsp, 2+4*21)
	assert.Equal(t, []byte{0x0a, 0x00, 0x02, 0x0b, 0x00}, rsp[2+3*21:2+3*21+5])

	rsp = s.HandleATT(req(OpcodeFindInformationRequest, 0x0001, 0x0004))
	assert.Equal(t, []byte{0x05, 0x01, 0x01, 0x00, 0x00, 0x28, 0x02, 0x00, 0x03, 0x28}, rsp)

	rsp = s.HandleATT(req(OpcodeFindInformationRequest, 0x0003, 0x0004))
	assert.Equal(t, append([]byte{0x05, 0x02, 0x03, 0x00}, le(state)...), rsp)

	rsp = s.HandleATT(req(OpcodeFindInformationRequest, 0x0004, 0x0004))
	assert.Equal(t, []byte{0x05, 0x01, 0x04, 0x00, 0x02, 0x29}, rsp)

	e := errorOf(t, s.HandleATT(req(OpcodeFindInformationRequest, 0x0005, 0x0004)))
	assert.Equal(t, ErrorCodeInvalidHandle, e.Code)
}

func TestRead(t *testing.T) {
	s, _ := newTestServer(t)

	rsp := s.HandleATT(req(OpcodeReadRequest, 11))
	assert.Equal(t, append([]byte{0x0b}, []byte("0123456789abcdefghijkl")...), rsp)

	rsp = s.HandleATT(req(OpcodeReadBlobRequest, 11, 22))
	assert.Equal(t, append([]byte{0x0d}, []byte("mnopqrstuvwxyz")...), rsp)

	for _, tc := range []struct {
		name string
		pdu  []byte
		code ErrorCode
	}{
		{"write only", req(OpcodeReadRequest, 6), ErrorCodeReadNotPermitted},
		{"invalid handle", req(OpcodeReadRequest, 0x50), ErrorCodeInvalidHandle},
		{"offset past end", req(OpcodeReadBlobRequest, 11, 40), ErrorCodeInvalidOffset},
		{"truncated", []byte{byte(OpcodeReadRequest), 0x0b}, ErrorCodeInvalidPDU},
		{"unsupported", req(0x0e, 1, 2), ErrorCodeRequestNotSupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, errorOf(t, s.HandleATT(tc.pdu)).Code)
		})
	}
}

func TestWrite(t *testing.T) {
	s, writes := newTestServer(t)

	assert.Nil(t, s.HandleATT(append(req(OpcodeWriteCommand, 6), 0x01, 0xa0)))
	assert.Equal(t, []byte{0x13}, s.HandleATT(append(req(OpcodeWriteRequest, 6), 0x00, 0xa1)))
	assert.Equal(t, [][]byte{{0x01, 0xa0}, {0x00, 0xa1}}, *writes)

	e := errorOf(t, s.HandleATT(append(req(OpcodeWriteRequest, 5), 0x00)))
	assert.Equal(t, ErrorCodeWriteNotPermitted, e.Code)
	assert.Nil(t, s.HandleATT(append(req(OpcodeWriteCommand, 5), 0x00)))
	assert.Nil(t, s.HandleATT([]byte{0xd2, 0x06, 0x00}))
	assert.Nil(t, s.HandleATT([]byte{byte(OpcodeHandleValueConfirmation)}))
}

func TestNotification(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.Notification(s2c, []byte{0x01})
	assert.ErrorIs(t, err, ErrNotSubscribed)
	_, err = s.Notification(c2s, []byte{0x01})
	assert.ErrorIs(t, err, ErrNotSubscribed)
	_, err = s.Notification(uuid.New(), []byte{0x01})
	assert.ErrorIs(t, err, ErrUnknownCharacteristic)

	e := errorOf(t, s.HandleATT(append(req(OpcodeWriteRequest, 9), 0x01)))
	assert.Equal(t, ErrorCodeInvalidAttributeValueLength, e.Code)
	assert.Equal(t, []byte{0x13}, s.HandleATT(append(req(OpcodeWriteRequest, 9), 0x01, 0x00)))
	assert.Equal(t, []byte{0x0b, 0x01, 0x00}, s.HandleATT(req(OpcodeReadRequest, 9)))

	pdu, err := s.Notification(s2c, []byte{0x01, 0xa0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1b, 0x08, 0x00, 0x01, 0xa0}, pdu)

	_, err = s.Notification(s2c, make([]byte, 21))
	assert.ErrorIs(t, err, ErrValueTooLong)

	s.Reset()
	assert.Equal(t, DefaultMTU, s.MTU())
	_, err = s.Notification(s2c, []byte{0x01})
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestUUIDEncoding(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x28}, encodeUUID(UUID16(0x2800)))
	b := encodeUUID(state)
	require.Len(t, b, 16)
	assert.Equal(t, byte(0xe6), b[0])
	u, ok := decodeUUID(b)
	require.True(t, ok)
	assert.Equal(t, state, u)
	_, ok = decodeUUID([]byte{1, 2, 3})
	assert.False(t, ok)
}
