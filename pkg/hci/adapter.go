// Package hci drives a Bluetooth controller over an HCI user channel.
package hci

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("hci: adapter closed")

// PacketConn carries HCI packets to and from a controller. Socket is the
// production implementation.
type PacketConn interface {
	ReadPacket() (Packet, error)
	WritePacket(Packet) error
	Close() error
}

type Adapter struct {
	pc  PacketConn
	log *zap.Logger

	// cmd admits one outstanding command at a time.
	cmd chan struct{}

	mu       sync.Mutex
	onPacket map[string]func(Packet)
	conns    map[uint16]*Conn
	err      error
	closed   chan struct{}
	accepted chan *Conn

	credits      *sync.Cond
	aclMTU       int
	aclRemaining int
	aclPending   map[uint16]int
}

type AdapterOption func(*Adapter)

func WithLogger(log *zap.Logger) AdapterOption {
	return func(a *Adapter) { a.log = log }
}

// NewAdapter starts reading packets from pc. Events are dispatched in the
// order the controller sent them.
func NewAdapter(pc PacketConn, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		pc:         pc,
		log:        zap.L(),
		cmd:        make(chan struct{}, 1),
		onPacket:   make(map[string]func(Packet)),
		conns:      make(map[uint16]*Conn),
		closed:     make(chan struct{}),
		accepted:   make(chan *Conn, 4),
		credits:    sync.NewCond(&sync.Mutex{}),
		aclMTU:     27,
		aclPending: make(map[uint16]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("hci")
	go a.run()
	return a
}

func (a *Adapter) run() {
	for {
		p, err := a.pc.ReadPacket()
		if err != nil {
			a.shutdown(err)
			return
		}
		a.dispatch(p)
	}
}

func (a *Adapter) dispatch(p Packet) {
	switch p := p.(type) {
	case *NumberOfCompletedPacketsEventPacket:
		a.credits.L.Lock()
		for i, h := range p.ConnectionHandles {
			n := int(p.NumCompletedPackets[i])
			a.aclRemaining += n
			if a.aclPending[h] -= n; a.aclPending[h] <= 0 {
				delete(a.aclPending, h)
			}
		}
		a.credits.Broadcast()
		a.credits.L.Unlock()
	case *DisconnectionCompleteEventPacket:
		if p.Status != StatusSuccess {
			break
		}
		a.credits.L.Lock()
		a.aclRemaining += a.aclPending[p.ConnectionHandle]
		delete(a.aclPending, p.ConnectionHandle)
		a.credits.Broadcast()
		a.credits.L.Unlock()

		a.mu.Lock()
		c := a.conns[p.ConnectionHandle]
		delete(a.conns, p.ConnectionHandle)
		a.mu.Unlock()
		if c != nil {
			a.log.Debug("disconnected", zap.Uint16("handle", c.Handle), zap.Uint8("reason", uint8(p.Reason)))
			c.closeWith(&DisconnectError{Reason: p.Reason})
		}
	case *LEConnectionCompleteEventPacket:
		if p.Status != StatusSuccess {
			a.log.Warn("connection failed", zap.Uint8("status", uint8(p.Status)))
			break
		}
		c := newConn(a, p)
		a.mu.Lock()
		a.conns[c.Handle] = c
		a.mu.Unlock()
		a.log.Debug("connected", zap.Uint16("handle", c.Handle), zap.Stringer("peer", c.PeerAddress), zap.Stringer("role", c.Role))
		select {
		case a.accepted <- c:
		default:
			a.log.Warn("no one accepting, dropping connection", zap.Uint16("handle", c.Handle))
			go func() { _ = c.Close() }()
		}
	case *ACLDataPacket:
		a.mu.Lock()
		c := a.conns[p.ConnectionHandle]
		a.mu.Unlock()
		if c == nil {
			a.log.Debug("acl data for unknown handle", zap.Uint16("handle", p.ConnectionHandle))
			break
		}
		c.receive(p)
	case *EventPacket:
		if p.Code == EventCodeHardwareError {
			a.log.Error("controller hardware error", zap.Binary("params", p.Parameters))
		}
	}

	a.mu.Lock()
	cbs := make([]func(Packet), 0, len(a.onPacket))
	for _, cb := range a.onPacket {
		cbs = append(cbs, cb)
	}
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}

func (a *Adapter) shutdown(err error) {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return
	}
	if errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	a.err = err
	conns := a.conns
	a.conns = make(map[uint16]*Conn)
	close(a.closed)
	a.mu.Unlock()

	for _, c := range conns {
		c.closeWith(err)
	}
	a.credits.L.Lock()
	a.credits.Broadcast()
	a.credits.L.Unlock()
}

// Err returns why the adapter stopped, or nil while it is running.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Adapter) Close() error {
	err := a.pc.Close()
	a.shutdown(ErrClosed)
	return err
}

// op sends a command and waits for its Command Complete or Command Status
// event. The returned parameters exclude the status byte.
func (a *Adapter) op(ctx context.Context, p CommandPacket) ([]byte, error) {
	select {
	case a.cmd <- struct{}{}:
		defer func() { <-a.cmd }()
	case <-a.closed:
		return nil, a.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	done := make(chan Packet, 1)
	id := uuid.NewString()
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return nil, a.err
	}
	a.onPacket[id] = func(q Packet) {
		switch q := q.(type) {
		case *CommandCompleteEventPacket:
			if q.CommandOpcode != p.Opcode() {
				return
			}
		case *CommandStatusEventPacket:
			if q.CommandOpcode != p.Opcode() {
				return
			}
		default:
			return
		}
		select {
		case done <- q:
		default:
		}
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.onPacket, id)
		a.mu.Unlock()
	}()

	if err := a.pc.WritePacket(p); err != nil {
		return nil, err
	}
	select {
	case q := <-done:
		switch q := q.(type) {
		case *CommandCompleteEventPacket:
			if len(q.ReturnParameters) == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			if s := Status(q.ReturnParameters[0]); s != StatusSuccess {
				return nil, &CommandError{Opcode: p.Opcode(), Status: s}
			}
			return q.ReturnParameters[1:], nil
		case *CommandStatusEventPacket:
			if q.Status != StatusSuccess {
				return nil, &CommandError{Opcode: p.Opcode(), Status: q.Status}
			}
		}
		return nil, nil
	case <-a.closed:
		return nil, a.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) Reset(ctx context.Context) error {
	_, err := a.op(ctx, NewGenericCommandPacket(OpcodeReset))
	return err
}

func (a *Adapter) ReadBDAddr(ctx context.Context) (BDAddr, error) {
	var addr BDAddr
	buf, err := a.op(ctx, NewGenericCommandPacket(OpcodeReadBDAddr))
	if err != nil {
		return addr, err
	}
	if copy(addr[:], buf) != len(addr) {
		return addr, io.ErrUnexpectedEOF
	}
	return addr, nil
}

type LEReadBufferSizeResponse struct {
	LEACLDataPacketLength    uint16
	TotalNumLEACLDataPackets uint8
}

// LEReadBufferSize sizes outgoing ACL fragmentation and flow control. It must
// complete before any connection writes data.
func (a *Adapter) LEReadBufferSize(ctx context.Context) (*LEReadBufferSizeResponse, error) {
	buf, err := a.op(ctx, NewGenericCommandPacket(OpcodeLEReadBufferSize))
	if err != nil {
		return nil, err
	}
	if len(buf) < 3 {
		return nil, io.ErrUnexpectedEOF
	}
	r := &LEReadBufferSizeResponse{
		LEACLDataPacketLength:    binary.LittleEndian.Uint16(buf[0:2]),
		TotalNumLEACLDataPackets: buf[2],
	}
	if r.LEACLDataPacketLength == 0 || r.TotalNumLEACLDataPackets == 0 {
		// Shared with BR/EDR buffers, which this package does not size.
		a.log.Warn("controller reports no dedicated LE buffers, using one packet of 27 bytes")
		r.LEACLDataPacketLength, r.TotalNumLEACLDataPackets = 27, 1
	}

	a.credits.L.Lock()
	a.aclMTU = int(r.LEACLDataPacketLength)
	a.aclRemaining = int(r.TotalNumLEACLDataPackets)
	a.credits.Broadcast()
	a.credits.L.Unlock()
	return r, nil
}

func (a *Adapter) LESetAdvertisingEnable(ctx context.Context, enable bool) error {
	_, err := a.op(ctx, &LESetAdvertisingEnableCommandPacket{AdvertisingEnable: enable})
	return err
}

// Accept waits for the next LE connection.
func (a *Adapter) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-a.accepted:
		return c, nil
	case <-a.closed:
		return nil, a.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
