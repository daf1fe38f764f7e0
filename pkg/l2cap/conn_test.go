package l2cap

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLink struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan []byte, 64), out: make(chan []byte, 256), done: make(chan struct{})}
}

func (l *fakeLink) Read(b []byte) (int, error) {
	select {
	case f := <-l.in:
		return copy(b, f), nil
	case <-l.done:
		return 0, io.EOF
	}
}

func (l *fakeLink) Write(b []byte) (int, error) {
	l.out <- append([]byte(nil), b...)
	return len(b), nil
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) drop() { l.once.Do(func() { close(l.done) }) }

func (l *fakeLink) send(t *testing.T, cid ChannelID, payload []byte) {
	t.Helper()
	buf, err := (&BFrame{ChannelID: cid, Payload: payload}).Marshal()
	require.NoError(t, err)
	l.in <- buf
}

func (l *fakeLink) signal(t *testing.T, p SignallingPacket) {
	t.Helper()
	buf, err := p.Marshal()
	require.NoError(t, err)
	l.send(t, ChannelIDSignallingLEU, buf)
}

func (l *fakeLink) next(t *testing.T) *BFrame {
	t.Helper()
	select {
	case buf := <-l.out:
		f := &BFrame{}
		require.NoError(t, f.Unmarshal(buf))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
		return nil
	}
}

func (l *fakeLink) nextSignal(t *testing.T) SignallingPacket {
	t.Helper()
	f := l.next(t)
	require.Equal(t, ChannelIDSignallingLEU, f.ChannelID)
	p, err := UnmarshalSignallingPacket(f.Payload)
	require.NoError(t, err)
	return p
}

func (l *fakeLink) idle(t *testing.T) {
	t.Helper()
	select {
	case buf := <-l.out:
		t.Fatalf("unexpected write %x", buf)
	case <-time.After(20 * time.Millisecond):
	}
}

type echoATT struct{}

func (echoATT) HandleATT(pdu []byte) []byte {
	if pdu[0] == 0x52 {
		return nil
	}
	return append([]byte{pdu[0] + 1}, pdu[1:]...)
}

func serve(t *testing.T, opts ...Option) (*Conn, *fakeLink) {
	link := newFakeLink()
	c := NewConn(link, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	served := make(chan error, 1)
	go func() { served <- c.Serve() }()
	t.Cleanup(func() {
		link.drop()
		<-served
	})
	return c, link
}

func TestATT(t *testing.T) {
	t.Run("handler", func(t *testing.T) {
		c, link := serve(t, WithATT(echoATT{}))
		link.send(t, ChannelIDAttributeProtocol, []byte{0x02, 0x00, 0x02})
		f := link.next(t)
		assert.Equal(t, ChannelIDAttributeProtocol, f.ChannelID)
		assert.Equal(t, []byte{0x03, 0x00, 0x02}, f.Payload)

		link.send(t, ChannelIDAttributeProtocol, []byte{0x52, 0x03, 0x00, 0x01})
		link.idle(t)

		require.NoError(t, c.WriteATT([]byte{0x1b, 0x05, 0x00, 0xff}))
		assert.Equal(t, []byte{0x1b, 0x05, 0x00, 0xff}, link.next(t).Payload)
	})
	t.Run("no database", func(t *testing.T) {
		_, link := serve(t)
		link.send(t, ChannelIDAttributeProtocol, []byte{0x10, 0x01, 0x00, 0xff, 0xff, 0x00, 0x28})
		assert.Equal(t, []byte{0x01, 0x10, 0x00, 0x00, 0x06}, link.next(t).Payload)
	})
}

func TestPairingRefused(t *testing.T) {
	_, link := serve(t)
	link.send(t, ChannelIDSecurityManagerProtocol, []byte{0x01, 0x03, 0x00, 0x01, 0x10, 0x07, 0x07})
	f := link.next(t)
	assert.Equal(t, ChannelIDSecurityManagerProtocol, f.ChannelID)
	assert.Equal(t, []byte{0x05, 0x05}, f.Payload)
}

func TestUnknownCommandRejected(t *testing.T) {
	_, link := serve(t)
	link.send(t, ChannelIDSignallingLEU, []byte{0x08, 0x07, 0x00, 0x00})
	p := link.nextSignal(t)
	rej, ok := p.(*CommandRejectResponsePacket)
	require.True(t, ok)
	assert.Equal(t, uint8(0x07), rej.Identifier)
	assert.Equal(t, CommandRejectReasonCommandNotUnderstood, rej.Reason)
}

func open(t *testing.T, mtu, mps, credits uint16, opts ...Option) (*Channel, *fakeLink) {
	t.Helper()
	accepted := make(chan *Channel, 1)
	_, link := serve(t, append(opts, WithListener(0x0080, func(ch *Channel) { accepted <- ch }))...)
	link.signal(t, &LECreditBasedConnectionRequestPacket{Identifier: 1, SPSM: 0x0080, SourceCID: 0x0041, MTU: mtu, MPS: mps, InitialCredits: credits})
	rsp, ok := link.nextSignal(t).(*LECreditBasedConnectionResponsePacket)
	require.True(t, ok)
	require.Equal(t, LECreditBasedConnectionResultSuccessful, rsp.Result)
	assert.Equal(t, ChannelIDDynamicFirst, rsp.DestinationCID)
	assert.EqualValues(t, rxCreditWindow, rsp.InitialCredits)
	select {
	case ch := <-accepted:
		return ch, link
	case <-time.After(2 * time.Second):
		t.Fatal("channel not accepted")
		return nil, nil
	}
}

func TestRefused(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  LECreditBasedConnectionRequestPacket
		want LECreditBasedConnectionResult
	}{
		{"unknown psm", LECreditBasedConnectionRequestPacket{SPSM: 0x0081, SourceCID: 0x40, MTU: 100, MPS: 100}, LECreditBasedConnectionResultRefusedSPSMNotSupported},
		{"fixed source cid", LECreditBasedConnectionRequestPacket{SPSM: 0x0080, SourceCID: 0x04, MTU: 100, MPS: 100}, LECreditBasedConnectionResultRefusedInvalidSourceCID},
		{"small mtu", LECreditBasedConnectionRequestPacket{SPSM: 0x0080, SourceCID: 0x40, MTU: 22, MPS: 100}, LECreditBasedConnectionResultRefusedUnacceptableParameters},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, link := serve(t, WithListener(0x0080, func(*Channel) { t.Error("accepted") }))
			tc.req.Identifier = 9
			link.signal(t, &tc.req)
			rsp, ok := link.nextSignal(t).(*LECreditBasedConnectionResponsePacket)
			require.True(t, ok)
			assert.Equal(t, uint8(9), rsp.Identifier)
			assert.Equal(t, tc.want, rsp.Result)
		})
	}
}

func TestDuplicateSourceCID(t *testing.T) {
	_, link := open(t, 100, 100, 1)
	link.signal(t, &LECreditBasedConnectionRequestPacket{Identifier: 2, SPSM: 0x0080, SourceCID: 0x0041, MTU: 100, MPS: 100})
	rsp, ok := link.nextSignal(t).(*LECreditBasedConnectionResponsePacket)
	require.True(t, ok)
	assert.Equal(t, LECreditBasedConnectionResultRefusedSourceCIDAlreadyAllocated, rsp.Result)
}

func TestChannelWriteSegments(t *testing.T) {
	ch, link := open(t, 100, 30, 3)
	msg := make([]byte, 70)
	for i := range msg {
		msg[i] = byte(i)
	}
	n, err := ch.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, 70, n)

	var sdu []byte
	for i, want := range []int{30, 30, 12} {
		f := link.next(t)
		assert.Equal(t, ChannelID(0x0041), f.ChannelID)
		assert.Len(t, f.Payload, want)
		if i == 0 {
			assert.EqualValues(t, 70, binary.LittleEndian.Uint16(f.Payload))
		}
		sdu = append(sdu, f.Payload...)
	}
	assert.Equal(t, msg, sdu[2:])

	_, err = ch.Write(make([]byte, 101))
	assert.ErrorIs(t, err, ErrSDUTooLarge)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte{0xa0})
		done <- err
	}()
	link.idle(t)
	link.signal(t, &FlowControlCreditIndicationPacket{Identifier: 3, CID: 0x0041, Credits: 1})
	assert.Equal(t, []byte{0x01, 0x00, 0xa0}, link.next(t).Payload)
	require.NoError(t, <-done)
}

func TestChannelReadReassembles(t *testing.T) {
	ch, link := open(t, 100, 100, 1, WithChannelMTU(64))
	assert.EqualValues(t, 64, ch.RxMTU)
	assert.EqualValues(t, 66, ch.RxMPS)

	link.send(t, ch.RxCID, []byte{0x05, 0x00, 0x01, 0x02})
	link.send(t, ch.RxCID, []byte{0x03, 0x04, 0x05})
	buf := make([]byte, 64)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, buf[:n])
}

func TestChannelCreditsReplenished(t *testing.T) {
	ch, link := open(t, 100, 100, 1)
	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := ch.Read(buf); err != nil {
				return
			}
		}
	}()
	for i := 0; i < rxCreditWindow/2; i++ {
		link.send(t, ch.RxCID, []byte{0x01, 0x00, byte(i)})
	}
	ind, ok := link.nextSignal(t).(*FlowControlCreditIndicationPacket)
	require.True(t, ok)
	assert.Equal(t, ch.RxCID, ind.CID)
	assert.EqualValues(t, rxCreditWindow/2, ind.Credits)
	assert.NotZero(t, ind.Identifier)
}

func TestChannelViolationDisconnects(t *testing.T) {
	ch, link := open(t, 100, 100, 1, WithChannelMTU(64))
	link.send(t, ch.RxCID, []byte{0xff, 0x00, 0x01})

	req, ok := link.nextSignal(t).(*DisconnectionRequestPacket)
	require.True(t, ok)
	assert.Equal(t, ChannelID(0x0041), req.DestinationCID)
	assert.Equal(t, ch.RxCID, req.SourceCID)

	_, err := ch.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	_, err = ch.Write([]byte{1})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPeerDisconnect(t *testing.T) {
	ch, link := open(t, 100, 100, 1)
	link.signal(t, &DisconnectionRequestPacket{Identifier: 4, DestinationCID: ch.RxCID, SourceCID: 0x0041})
	rsp, ok := link.nextSignal(t).(*DisconnectionResponsePacket)
	require.True(t, ok)
	assert.Equal(t, uint8(4), rsp.Identifier)
	assert.Equal(t, ch.RxCID, rsp.DestinationCID)

	<-ch.Done()
	require.NoError(t, ch.Close())
	link.idle(t)

	link.signal(t, &DisconnectionRequestPacket{Identifier: 5, DestinationCID: ch.RxCID, SourceCID: 0x0041})
	rej, ok := link.nextSignal(t).(*CommandRejectResponsePacket)
	require.True(t, ok)
	assert.Equal(t, CommandRejectReasonInvalidCIDInRequest, rej.Reason)
}

func TestLocalClose(t *testing.T) {
	ch, link := open(t, 100, 100, 1)
	require.NoError(t, ch.Close())
	req, ok := link.nextSignal(t).(*DisconnectionRequestPacket)
	require.True(t, ok)
	assert.Equal(t, ch.RxCID, req.SourceCID)
	require.NoError(t, ch.Close())
	link.idle(t)
}

func TestLinkDropClosesChannels(t *testing.T) {
	ch, link := open(t, 100, 100, 1)
	link.drop()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel still open")
	}
}

func TestSignallingDecode(t *testing.T) {
	_, err := UnmarshalSignallingPacket([]byte{0x06, 0x01, 0x02, 0x00, 0x40, 0x00})
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = UnmarshalSignallingPacket([]byte{0x06, 0x01, 0x04, 0x00, 0x40})
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}
