package l2cap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

var (
	ErrSDUTooLarge   = errors.New("l2cap: sdu exceeds peer mtu")
	ErrChannelClosed = errors.New("l2cap: channel closed")
)

// Channel is an LE credit based connection oriented channel. Each Write is
// one SDU and each Read returns one SDU.
type Channel struct {
	conn *Conn

	PSM   uint16
	RxCID ChannelID
	TxCID ChannelID
	TxMTU uint16
	TxMPS uint16
	RxMTU uint16
	RxMPS uint16

	mu        sync.Mutex
	cond      *sync.Cond
	txCredits int
	closed    bool

	// Receive state, owned by the serving goroutine.
	rxCredits int
	sdu       []byte
	sduLeft   int

	rx   chan []byte
	done chan struct{}
	once sync.Once
	wmu  sync.Mutex
}

func newChannel(c *Conn, p *LECreditBasedConnectionRequestPacket, rx ChannelID) *Channel {
	ch := &Channel{
		conn:      c,
		PSM:       p.SPSM,
		RxCID:     rx,
		TxCID:     p.SourceCID,
		TxMTU:     p.MTU,
		TxMPS:     p.MPS,
		RxMTU:     c.rxMTU,
		RxMPS:     c.rxMTU + 2,
		txCredits: int(p.InitialCredits),
		rxCredits: rxCreditWindow,
		rx:        make(chan []byte, 16),
		done:      make(chan struct{}),
	}
	if ch.RxMPS > maxRxMPS || ch.RxMPS < c.rxMTU {
		ch.RxMPS = maxRxMPS
	}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

// receive consumes one K-frame.
func (ch *Channel) receive(payload []byte) error {
	if ch.rxCredits == 0 {
		return errors.New("k-frame without credit")
	}
	ch.rxCredits--
	if len(payload) > int(ch.RxMPS) {
		return fmt.Errorf("k-frame of %d bytes exceeds mps %d", len(payload), ch.RxMPS)
	}
	if ch.sdu == nil {
		if len(payload) < 2 {
			return errors.New("first k-frame missing sdu length")
		}
		n := int(binary.LittleEndian.Uint16(payload))
		if n > int(ch.RxMTU) {
			return fmt.Errorf("sdu of %d bytes exceeds mtu %d", n, ch.RxMTU)
		}
		ch.sdu = make([]byte, 0, n)
		ch.sduLeft = n
		payload = payload[2:]
	}
	if len(payload) > ch.sduLeft {
		return errors.New("k-frame overruns sdu")
	}
	ch.sdu = append(ch.sdu, payload...)
	ch.sduLeft -= len(payload)

	if ch.sduLeft == 0 {
		sdu := ch.sdu
		ch.sdu = nil
		select {
		case ch.rx <- sdu:
		case <-ch.done:
			return nil
		}
	}
	if ch.rxCredits <= rxCreditWindow/2 {
		n := rxCreditWindow - ch.rxCredits
		ch.rxCredits = rxCreditWindow
		return ch.conn.signal(&FlowControlCreditIndicationPacket{
			Identifier: ch.conn.nextIdentifier(),
			CID:        ch.RxCID,
			Credits:    uint16(n),
		})
	}
	return nil
}

// grant adds peer credits, reporting false when the total would overflow.
func (ch *Channel) grant(n uint16) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.txCredits+int(n) > math.MaxUint16 {
		return false
	}
	ch.txCredits += int(n)
	ch.cond.Broadcast()
	return true
}

func (ch *Channel) shutdown() {
	ch.once.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		ch.cond.Broadcast()
		ch.mu.Unlock()
		close(ch.done)
	})
}

func (ch *Channel) acquire() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for ch.txCredits == 0 && !ch.closed {
		ch.cond.Wait()
	}
	if ch.closed {
		return ErrChannelClosed
	}
	ch.txCredits--
	return nil
}

// Write sends buf as one SDU, segmented into K-frames of at most TxMPS bytes.
// The first K-frame carries the SDU length. Each K-frame spends one credit.
func (ch *Channel) Write(buf []byte) (int, error) {
	if len(buf) > int(ch.TxMTU) {
		return 0, ErrSDUTooLarge
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()

	sdu := make([]byte, 2+len(buf))
	binary.LittleEndian.PutUint16(sdu, uint16(len(buf)))
	copy(sdu[2:], buf)
	for i := 0; i < len(sdu); i += int(ch.TxMPS) {
		j := i + int(ch.TxMPS)
		if j > len(sdu) {
			j = len(sdu)
		}
		if err := ch.acquire(); err != nil {
			return 0, err
		}
		if err := ch.conn.write(ch.TxCID, sdu[i:j]); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

func (ch *Channel) Read(buf []byte) (int, error) {
	var sdu []byte
	select {
	case sdu = <-ch.rx:
	case <-ch.done:
		select {
		case sdu = <-ch.rx:
		default:
			return 0, io.EOF
		}
	}
	n := copy(buf, sdu)
	if n < len(sdu) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Done is closed when the channel is released by either side or the link
// drops.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Close sends a disconnection request unless the channel is already gone.
func (ch *Channel) Close() error {
	return ch.conn.disconnect(ch)
}
