package hci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DisconnectError reports the reason the controller gave for closing a link.
type DisconnectError struct {
	Reason Status
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("hci: disconnected, reason 0x%02x", uint8(e.Reason))
}

const disconnectTimeout = 2 * time.Second

// Conn is one LE ACL link. Read returns whole L2CAP basic frames, header
// included, and Write accepts the same.
type Conn struct {
	a *Adapter

	Handle             uint16
	Role               Role
	PeerAddressType    PeerAddressType
	PeerAddress        BDAddr
	ConnectionInterval uint16
	PeripheralLatency  uint16
	SupervisionTimeout uint16

	frames chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
	wmu    sync.Mutex

	// buf is only touched by the adapter's read loop.
	buf []byte
}

func newConn(a *Adapter, p *LEConnectionCompleteEventPacket) *Conn {
	return &Conn{
		a:                  a,
		Handle:             p.ConnectionHandle,
		Role:               p.Role,
		PeerAddressType:    p.PeerAddressType,
		PeerAddress:        p.PeerAddress,
		ConnectionInterval: p.ConnectionInterval,
		PeripheralLatency:  p.PeripheralLatency,
		SupervisionTimeout: p.SupervisionTimeout,
		frames:             make(chan []byte, 64),
		done:               make(chan struct{}),
	}
}

func (c *Conn) receive(p *ACLDataPacket) {
	switch p.PacketBoundaryFlag {
	case 0b00, 0b10:
		if len(c.buf) > 0 {
			c.a.log.Warn("dropping incomplete frame", zap.Uint16("handle", c.Handle), zap.Int("len", len(c.buf)))
		}
		c.buf = append([]byte(nil), p.Payload...)
	case 0b01:
		if c.buf == nil {
			c.a.log.Debug("continuation without start", zap.Uint16("handle", c.Handle))
			return
		}
		c.buf = append(c.buf, p.Payload...)
	default:
		return
	}
	if len(c.buf) < 4 {
		return
	}
	n := int(binary.LittleEndian.Uint16(c.buf)) + 4
	switch {
	case len(c.buf) < n:
		return
	case len(c.buf) > n:
		c.a.log.Warn("frame longer than its header", zap.Uint16("handle", c.Handle))
		c.buf = nil
		return
	}
	frame := c.buf
	c.buf = nil
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

func (c *Conn) closeWith(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
	c.a.credits.L.Lock()
	c.a.credits.Broadcast()
	c.a.credits.L.Unlock()
}

// Done is closed once the link is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the link closed, or nil while it is up.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Read(buf []byte) (int, error) {
	var frame []byte
	select {
	case frame = <-c.frames:
	case <-c.done:
		select {
		case frame = <-c.frames:
		default:
			return 0, c.err
		}
	}
	n := copy(buf, frame)
	if n < len(frame) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Write fragments buf into ACL packets, waiting for controller buffers as
// needed. Frames written concurrently are never interleaved.
func (c *Conn) Write(buf []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	written := 0
	for written < len(buf) {
		mtu, err := c.acquire()
		if err != nil {
			return written, err
		}
		j := written + mtu
		if j > len(buf) {
			j = len(buf)
		}
		var pb uint8
		if written > 0 {
			pb = 0b01
		}
		p := &ACLDataPacket{ConnectionHandle: c.Handle, PacketBoundaryFlag: pb, Payload: buf[written:j]}
		if err := c.a.pc.WritePacket(p); err != nil {
			return written, err
		}
		written = j
	}
	return written, nil
}

// acquire takes one controller buffer and returns the fragment size.
func (c *Conn) acquire() (int, error) {
	a := c.a
	a.credits.L.Lock()
	defer a.credits.L.Unlock()
	for {
		if err := c.Err(); err != nil {
			return 0, err
		}
		if err := a.Err(); err != nil {
			return 0, err
		}
		if a.aclRemaining > 0 {
			break
		}
		a.credits.Wait()
	}
	a.aclRemaining--
	a.aclPending[c.Handle]++
	return a.aclMTU, nil
}

// Disconnect asks the controller to drop the link and waits for it to go.
func (c *Conn) Disconnect(ctx context.Context, reason Status) error {
	if c.Err() != nil {
		return nil
	}
	_, err := c.a.op(ctx, &DisconnectCommandPacket{ConnectionHandle: c.Handle, Reason: reason})
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.Status == StatusUnknownConnectionID {
		c.closeWith(&DisconnectError{Reason: reason})
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	return c.Disconnect(ctx, StatusRemoteUserTerminated)
}
