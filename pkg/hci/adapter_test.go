package hci

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// controller answers commands the way a well behaved chip would.
type controller struct {
	in     chan Packet
	out    chan Packet
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	status map[Opcode]Status
	params map[Opcode][]byte
}

func newController() *controller {
	return &controller{
		in:     make(chan Packet, 64),
		out:    make(chan Packet, 64),
		closed: make(chan struct{}),
		status: make(map[Opcode]Status),
		params: make(map[Opcode][]byte),
	}
}

func (c *controller) ReadPacket() (Packet, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *controller) WritePacket(p Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	q, err := Unmarshal(buf)
	if err != nil {
		return err
	}
	c.out <- q
	cmd, ok := q.(*GenericCommandPacket)
	if !ok {
		return nil
	}
	c.mu.Lock()
	status := c.status[cmd.Opcode()]
	params := c.params[cmd.Opcode()]
	c.mu.Unlock()
	if cmd.Opcode() == OpcodeDisconnect {
		c.in <- &CommandStatusEventPacket{Status: status, NumCommandPackets: 1, CommandOpcode: OpcodeDisconnect}
		if status == StatusSuccess {
			c.in <- &DisconnectionCompleteEventPacket{
				ConnectionHandle: binary.LittleEndian.Uint16(cmd.Parameters),
				Reason:           StatusLocalHostTerminated,
			}
		}
		return nil
	}
	c.in <- &CommandCompleteEventPacket{
		NumCommandPackets: 1,
		CommandOpcode:     cmd.Opcode(),
		ReturnParameters:  append([]byte{byte(status)}, params...),
	}
	return nil
}

func (c *controller) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *controller) respond(op Opcode, status Status, params ...byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[op] = status
	c.params[op] = params
}

// next returns the next packet the host wrote that is not a command.
func (c *controller) nextData(t *testing.T) *ACLDataPacket {
	t.Helper()
	for {
		select {
		case p := <-c.out:
			if d, ok := p.(*ACLDataPacket); ok {
				return d
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no acl data written")
			return nil
		}
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *controller) {
	c := newController()
	a := NewAdapter(c, WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = a.Close() })
	return a, c
}

func connect(t *testing.T, a *Adapter, c *controller, handle uint16) *Conn {
	t.Helper()
	c.in <- &LEConnectionCompleteEventPacket{ConnectionHandle: handle, Role: RolePeripheral, PeerAddress: BDAddr{1, 2, 3, 4, 5, 6}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := a.Accept(ctx)
	require.NoError(t, err)
	return conn
}

func TestCommands(t *testing.T) {
	a, c := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Reset(ctx))

	c.respond(OpcodeReadBDAddr, StatusSuccess, 6, 5, 4, 3, 2, 1)
	addr, err := a.ReadBDAddr(ctx)
	require.NoError(t, err)
	assert.Equal(t, "01:02:03:04:05:06", addr.String())

	c.respond(OpcodeLESetAdvertisingEnable, 0x0c)
	err = a.LESetAdvertisingEnable(ctx, true)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpcodeLESetAdvertisingEnable, cerr.Opcode)
	assert.Equal(t, Status(0x0c), cerr.Status)

	assert.Error(t, a.LESetAdvertisingParameters(ctx, LESetAdvertisingParametersCommandPacket{AdvertisingIntervalMin: 0x0001}))
}

func TestCommandContext(t *testing.T) {
	c := newController()
	a := NewAdapter(&silent{c}, WithLogger(zaptest.NewLogger(t)))
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Reset(ctx), context.DeadlineExceeded)
}

// silent swallows commands without answering them.
type silent struct{ *controller }

func (s *silent) WritePacket(Packet) error { return nil }

func TestReassembly(t *testing.T) {
	a, c := newTestAdapter(t)
	conn := connect(t, a, c, 0x40)
	assert.Equal(t, RolePeripheral, conn.Role)

	frame := []byte{0x05, 0x00, 0x04, 0x00, 0x02, 0x17, 0x00, 0x01, 0x02}
	c.in <- &ACLDataPacket{ConnectionHandle: 0x41, PacketBoundaryFlag: 0b10, Payload: []byte{0x01, 0x00, 0x04, 0x00, 0xff}}
	c.in <- &ACLDataPacket{ConnectionHandle: 0x40, PacketBoundaryFlag: 0b10, Payload: frame[:4]}
	c.in <- &ACLDataPacket{ConnectionHandle: 0x40, PacketBoundaryFlag: 0b01, Payload: frame[4:7]}
	c.in <- &ACLDataPacket{ConnectionHandle: 0x40, PacketBoundaryFlag: 0b01, Payload: frame[7:]}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])

	c.in <- &ACLDataPacket{ConnectionHandle: 0x40, PacketBoundaryFlag: 0b10, Payload: frame}
	n, err = conn.Read(buf[:2])
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestWriteFlowControl(t *testing.T) {
	a, c := newTestAdapter(t)
	c.respond(OpcodeLEReadBufferSize, StatusSuccess, 27, 0, 1)
	r, err := a.LEReadBufferSize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 27, r.LEACLDataPacketLength)
	conn := connect(t, a, c, 0x40)

	frame := make([]byte, 40)
	binary.LittleEndian.PutUint16(frame, 36)
	written := make(chan error, 1)
	go func() {
		_, err := conn.Write(frame)
		written <- err
	}()

	first := c.nextData(t)
	assert.Equal(t, uint8(0b00), first.PacketBoundaryFlag)
	assert.Len(t, first.Payload, 27)
	select {
	case <-written:
		t.Fatal("write finished without a buffer credit")
	case <-time.After(20 * time.Millisecond):
	}

	c.in <- &NumberOfCompletedPacketsEventPacket{ConnectionHandles: []uint16{0x40}, NumCompletedPackets: []uint16{1}}
	second := c.nextData(t)
	assert.Equal(t, uint8(0b01), second.PacketBoundaryFlag)
	assert.Len(t, second.Payload, 13)
	require.NoError(t, <-written)
}

func TestDisconnect(t *testing.T) {
	a, c := newTestAdapter(t)
	conn := connect(t, a, c, 0x40)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Disconnect(ctx, StatusRemoteUserTerminated))

	<-conn.Done()
	var derr *DisconnectError
	require.ErrorAs(t, conn.Err(), &derr)
	assert.Equal(t, StatusLocalHostTerminated, derr.Reason)

	_, err := conn.Read(make([]byte, 8))
	assert.ErrorAs(t, err, &derr)
	_, err = conn.Write([]byte{0x00, 0x00, 0x04, 0x00})
	assert.ErrorAs(t, err, &derr)
	require.NoError(t, conn.Close())
}

func TestAdapterClose(t *testing.T) {
	a, c := newTestAdapter(t)
	conn := connect(t, a, c, 0x40)

	require.NoError(t, c.Close())
	_, err := a.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrClosed)
	assert.ErrorIs(t, a.Reset(context.Background()), ErrClosed)
}
