// Package l2cap multiplexes the fixed LE channels and credit based
// connection oriented channels over one ACL link.
package l2cap

import (
	"errors"
	"io"
	"math"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrLinkClosed = errors.New("l2cap: link closed")

// Link carries whole basic frames. *hci.Conn is the production Link.
type Link interface {
	io.ReadWriter
	Done() <-chan struct{}
}

// ATTHandler serves the attribute protocol channel. It returns the response
// PDU, or nil when the PDU needs none.
type ATTHandler interface {
	HandleATT(pdu []byte) []byte
}

const (
	// DefaultChannelMTU is the largest SDU accepted on a channel.
	DefaultChannelMTU = 4096
	maxRxMPS          = 1004
	minMTU            = 23
	maxMPS            = 65533

	// rxCreditWindow is topped up once half of it is used.
	rxCreditWindow = 64
)

type Conn struct {
	link  Link
	log   *zap.Logger
	att   ATTHandler
	psms  map[uint16]func(*Channel)
	rxMTU uint16

	ident atomic.Uint32

	mu    sync.Mutex
	chans map[ChannelID]*Channel
}

type Option func(*Conn)

func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) { c.log = log }
}

func WithATT(h ATTHandler) Option {
	return func(c *Conn) { c.att = h }
}

// WithListener accepts channels opened on psm. fn runs on the serving
// goroutine and must not block.
func WithListener(psm uint16, fn func(*Channel)) Option {
	return func(c *Conn) { c.psms[psm] = fn }
}

func WithChannelMTU(mtu uint16) Option {
	return func(c *Conn) { c.rxMTU = mtu }
}

func NewConn(link Link, opts ...Option) *Conn {
	c := &Conn{
		link:  link,
		log:   zap.L(),
		psms:  make(map[uint16]func(*Channel)),
		rxMTU: DefaultChannelMTU,
		chans: make(map[ChannelID]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("l2cap")
	return c
}

// Serve dispatches frames until the link fails, then closes every channel.
func (c *Conn) Serve() error {
	defer c.closeAll()
	buf := make([]byte, math.MaxUint16+4)
	for {
		n, err := c.link.Read(buf)
		if err != nil {
			return err
		}
		f := &BFrame{}
		if err := f.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := c.handle(f); err != nil {
			return err
		}
	}
}

func (c *Conn) handle(f *BFrame) error {
	switch f.ChannelID {
	case ChannelIDAttributeProtocol:
		return c.handleATT(f.Payload)
	case ChannelIDSignallingLEU:
		return c.handleSignal(f.Payload)
	case ChannelIDSecurityManagerProtocol:
		// Pairing Request is answered with Pairing Failed, Pairing Not Supported.
		if len(f.Payload) > 0 && f.Payload[0] == 0x01 {
			return c.write(ChannelIDSecurityManagerProtocol, []byte{0x05, 0x05})
		}
		return nil
	}
	c.mu.Lock()
	ch := c.chans[f.ChannelID]
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug("frame for unknown channel", zap.Uint16("cid", uint16(f.ChannelID)))
		return nil
	}
	if err := ch.receive(f.Payload); err != nil {
		c.log.Warn("channel protocol violation", zap.Uint16("cid", uint16(ch.RxCID)), zap.Error(err))
		return c.disconnect(ch)
	}
	return nil
}

func (c *Conn) handleATT(pdu []byte) error {
	if len(pdu) == 0 {
		return nil
	}
	if c.att != nil {
		if rsp := c.att.HandleATT(pdu); rsp != nil {
			return c.write(ChannelIDAttributeProtocol, rsp)
		}
		return nil
	}
	// Without a database every request gets Request Not Supported.
	if pdu[0]&0x40 == 0 && pdu[0] != 0x1E && pdu[0] != 0x01 {
		return c.write(ChannelIDAttributeProtocol, []byte{0x01, pdu[0], 0x00, 0x00, 0x06})
	}
	return nil
}

func (c *Conn) handleSignal(buf []byte) error {
	p, err := UnmarshalSignallingPacket(buf)
	if err != nil {
		if len(buf) < 2 {
			return nil
		}
		c.log.Debug("rejecting signalling command", zap.Uint8("code", buf[0]), zap.Error(err))
		return c.signal(&CommandRejectResponsePacket{Identifier: buf[1], Reason: CommandRejectReasonCommandNotUnderstood})
	}
	switch p := p.(type) {
	case *LECreditBasedConnectionRequestPacket:
		return c.accept(p)
	case *FlowControlCreditIndicationPacket:
		c.mu.Lock()
		var ch *Channel
		for _, v := range c.chans {
			if v.TxCID == p.CID {
				ch = v
			}
		}
		c.mu.Unlock()
		if ch == nil {
			return nil
		}
		if !ch.grant(p.Credits) {
			c.log.Warn("credit overflow", zap.Uint16("cid", uint16(ch.RxCID)))
			return c.disconnect(ch)
		}
	case *DisconnectionRequestPacket:
		c.mu.Lock()
		ch := c.chans[p.DestinationCID]
		if ch != nil && ch.TxCID == p.SourceCID {
			delete(c.chans, p.DestinationCID)
		} else {
			ch = nil
		}
		c.mu.Unlock()
		if ch == nil {
			return c.signal(&CommandRejectResponsePacket{
				Identifier: p.Identifier,
				Reason:     CommandRejectReasonInvalidCIDInRequest,
				ReasonData: []byte{byte(p.DestinationCID), byte(p.DestinationCID >> 8), byte(p.SourceCID), byte(p.SourceCID >> 8)},
			})
		}
		ch.shutdown()
		return c.signal(&DisconnectionResponsePacket{Identifier: p.Identifier, DestinationCID: p.DestinationCID, SourceCID: p.SourceCID})
	case *DisconnectionResponsePacket:
		// The channel was released when the request was sent.
	case *ConnectionParameterUpdateRequestPacket:
		// Only a central may accept parameter updates.
		return c.signal(&CommandRejectResponsePacket{Identifier: p.Identifier, Reason: CommandRejectReasonCommandNotUnderstood})
	case *CommandRejectResponsePacket:
		c.log.Debug("command rejected", zap.Uint8("identifier", p.Identifier), zap.Uint16("reason", uint16(p.Reason)))
	}
	return nil
}

func (c *Conn) accept(p *LECreditBasedConnectionRequestPacket) error {
	refuse := func(r LECreditBasedConnectionResult) error {
		c.log.Debug("refusing channel", zap.Uint16("psm", p.SPSM), zap.Uint16("result", uint16(r)))
		return c.signal(&LECreditBasedConnectionResponsePacket{Identifier: p.Identifier, Result: r})
	}
	fn, ok := c.psms[p.SPSM]
	if !ok {
		return refuse(LECreditBasedConnectionResultRefusedSPSMNotSupported)
	}
	if p.SourceCID < ChannelIDDynamicFirst || p.SourceCID > ChannelIDDynamicLast {
		return refuse(LECreditBasedConnectionResultRefusedInvalidSourceCID)
	}
	if p.MTU < minMTU || p.MPS < minMTU || p.MPS > maxMPS {
		return refuse(LECreditBasedConnectionResultRefusedUnacceptableParameters)
	}

	c.mu.Lock()
	var rx ChannelID
	for cid := ChannelIDDynamicFirst; cid <= ChannelIDDynamicLast; cid++ {
		if _, used := c.chans[cid]; !used {
			rx = cid
			break
		}
	}
	for _, v := range c.chans {
		if v.TxCID == p.SourceCID {
			c.mu.Unlock()
			return refuse(LECreditBasedConnectionResultRefusedSourceCIDAlreadyAllocated)
		}
	}
	if rx == 0 {
		c.mu.Unlock()
		return refuse(LECreditBasedConnectionResultRefusedNoResourcesAvailable)
	}
	ch := newChannel(c, p, rx)
	c.chans[rx] = ch
	c.mu.Unlock()

	if err := c.signal(&LECreditBasedConnectionResponsePacket{
		Identifier:     p.Identifier,
		DestinationCID: ch.RxCID,
		MTU:            ch.RxMTU,
		MPS:            ch.RxMPS,
		InitialCredits: rxCreditWindow,
		Result:         LECreditBasedConnectionResultSuccessful,
	}); err != nil {
		return err
	}
	c.log.Debug("channel open", zap.Uint16("psm", p.SPSM), zap.Uint16("rx", uint16(ch.RxCID)), zap.Uint16("tx", uint16(ch.TxCID)), zap.Uint16("mtu", ch.TxMTU), zap.Uint16("mps", ch.TxMPS))
	fn(ch)
	return nil
}

// disconnect releases ch locally and asks the peer to do the same.
func (c *Conn) disconnect(ch *Channel) error {
	c.mu.Lock()
	_, ok := c.chans[ch.RxCID]
	delete(c.chans, ch.RxCID)
	c.mu.Unlock()
	ch.shutdown()
	if !ok {
		return nil
	}
	return c.signal(&DisconnectionRequestPacket{Identifier: c.nextIdentifier(), DestinationCID: ch.TxCID, SourceCID: ch.RxCID})
}

func (c *Conn) closeAll() {
	c.mu.Lock()
	chans := c.chans
	c.chans = make(map[ChannelID]*Channel)
	c.mu.Unlock()
	for _, ch := range chans {
		ch.shutdown()
	}
}

// nextIdentifier never returns zero, which is reserved.
func (c *Conn) nextIdentifier() uint8 {
	return uint8((c.ident.Inc()-1)%255 + 1)
}

func (c *Conn) signal(p SignallingPacket) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	return c.write(ChannelIDSignallingLEU, buf)
}

func (c *Conn) write(cid ChannelID, payload []byte) error {
	buf, err := (&BFrame{ChannelID: cid, Payload: payload}).Marshal()
	if err != nil {
		return err
	}
	_, err = c.link.Write(buf)
	return err
}

// WriteATT sends a server initiated PDU such as a notification.
func (c *Conn) WriteATT(pdu []byte) error {
	select {
	case <-c.link.Done():
		return ErrLinkClosed
	default:
	}
	return c.write(ChannelIDAttributeProtocol, pdu)
}
