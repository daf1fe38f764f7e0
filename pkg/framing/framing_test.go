package framing

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func newFramer(t *testing.T, opts ...Option) *Framer {
	return New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestFrameForL2CAP(t *testing.T) {
	buf, err := FrameForL2CAP([]byte{0xa0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0xa0}, buf)

	buf, err = FrameForL2CAP(make([]byte, MaxMessageSize))
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxMessageSize), binary.LittleEndian.Uint32(buf))
}

func TestFrameForL2CAPOversize(t *testing.T) {
	buf, err := FrameForL2CAP(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Nil(t, buf)
}

func TestL2CAPRoundTripSplit(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	f := newFramer(t)
	for _, size := range []int{1, 2, 3, 4, 5, 100, 4096, MaxMessageSize} {
		msg := randomBytes(r, size)
		framed, err := FrameForL2CAP(msg)
		require.NoError(t, err)

		var got [][]byte
		for len(framed) > 0 {
			n := 1 + r.Intn(min(len(framed), 700))
			out, err := f.ProcessL2CAPData("conn", framed[:n])
			require.NoError(t, err)
			got = append(got, out...)
			framed = framed[n:]
		}
		require.Len(t, got, 1, "size %d", size)
		assert.Equal(t, msg, got[0])
	}
}

func TestL2CAPPackedMessages(t *testing.T) {
	f := newFramer(t)
	m1 := []byte("first")
	m2 := []byte("second message")
	a, _ := FrameForL2CAP(m1)
	b, _ := FrameForL2CAP(m2)

	out, err := f.ProcessL2CAPData("conn", append(a, b...))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{m1, m2}, out)

	s, ok := f.Stats("conn")
	require.True(t, ok)
	assert.Zero(t, s.Buffered)
}

func TestL2CAPPackedWithTrailingPartial(t *testing.T) {
	f := newFramer(t)
	a, _ := FrameForL2CAP([]byte("one"))
	b, _ := FrameForL2CAP([]byte("two"))
	stream := append(a, b...)

	out, err := f.ProcessL2CAPData("conn", stream[:len(a)+5])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one")}, out)

	s, _ := f.Stats("conn")
	assert.Equal(t, 5, s.Buffered)
	assert.Equal(t, 3, s.Expected)

	out, err = f.ProcessL2CAPData("conn", stream[len(a)+5:])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two")}, out)
}

func TestL2CAPInvalidLength(t *testing.T) {
	for name, n := range map[string]uint32{"zero": 0, "oversize": MaxMessageSize + 1} {
		t.Run(name, func(t *testing.T) {
			f := newFramer(t)
			bad := make([]byte, 8)
			binary.LittleEndian.PutUint32(bad, n)
			out, err := f.ProcessL2CAPData("conn", bad)
			assert.ErrorIs(t, err, ErrInvalidLength)
			assert.Empty(t, out)

			s, _ := f.Stats("conn")
			assert.Zero(t, s.Buffered)

			good, _ := FrameForL2CAP([]byte("fresh"))
			out, err = f.ProcessL2CAPData("conn", good)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("fresh")}, out)
		})
	}
}

func TestL2CAPConnectionsAreIndependent(t *testing.T) {
	f := newFramer(t)
	a, _ := FrameForL2CAP([]byte("alpha"))
	b, _ := FrameForL2CAP([]byte("beta"))

	out, _ := f.ProcessL2CAPData("a", a[:3])
	assert.Empty(t, out)
	out, _ = f.ProcessL2CAPData("b", b)
	assert.Equal(t, [][]byte{[]byte("beta")}, out)
	out, _ = f.ProcessL2CAPData("a", a[3:])
	assert.Equal(t, [][]byte{[]byte("alpha")}, out)
}

func TestFrameForGATTScenario(t *testing.T) {
	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	chunks, err := FrameForGATT(msg, 23)
	require.NoError(t, err)
	require.Len(t, chunks, 6)
	for i, c := range chunks[:5] {
		assert.Equal(t, FlagMore, c[0], "chunk %d", i)
		assert.Len(t, c, 23-GATTOverhead+1)
	}
	last := chunks[5]
	assert.Equal(t, FlagFinal, last[0])
	assert.Equal(t, msg[95:], last[1:])
	assert.Len(t, last[1:], 5)
}

func TestFrameForGATTEdges(t *testing.T) {
	chunks, err := FrameForGATT(nil, 23)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{FlagFinal}}, chunks)

	chunks, err = FrameForGATT(make([]byte, 19), 23)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, FlagFinal, chunks[0][0])

	_, err = FrameForGATT([]byte{1}, 3)
	assert.ErrorIs(t, err, ErrMTUTooSmall)

	_, err = FrameForGATT([]byte{1}, 4)
	assert.ErrorIs(t, err, ErrMTUTooSmall)

	chunks, err = FrameForGATT(nil, 4)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	_, err = FrameForGATT(make([]byte, MaxMessageSize+1), 517)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestGATTRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	f := newFramer(t)
	for _, mtu := range []int{5, 6, 23, 185, 247, 515, 517} {
		for _, size := range []int{0, 1, mtu - 4, mtu - 3, 1000} {
			msg := randomBytes(r, size)
			chunks, err := FrameForGATT(msg, mtu)
			require.NoError(t, err)
			for i, c := range chunks {
				got, err := f.ProcessGATTChunk("conn", c)
				require.NoError(t, err)
				if i < len(chunks)-1 {
					assert.Nil(t, got)
					continue
				}
				require.NotNil(t, got, "mtu %d size %d", mtu, size)
				assert.Equal(t, len(msg), len(got))
				if size > 0 {
					assert.Equal(t, msg, got)
				}
			}
		}
	}
}

func TestGATTInvalidFlag(t *testing.T) {
	f := newFramer(t)
	got, err := f.ProcessGATTChunk("conn", []byte{FlagMore, 1, 2, 3})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = f.ProcessGATTChunk("conn", []byte{0x07, 4, 5})
	assert.ErrorIs(t, err, ErrInvalidFlag)
	assert.Nil(t, got)

	got, err = f.ProcessGATTChunk("conn", []byte{FlagFinal, 9, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got)
}

func TestGATTEmptyChunk(t *testing.T) {
	f := newFramer(t)
	got, err := f.ProcessGATTChunk("conn", nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)
	assert.Nil(t, got)
}

func TestGATTOversizeAssembly(t *testing.T) {
	f := newFramer(t, WithMaxMessageSize(10))
	_, err := f.ProcessGATTChunk("conn", append([]byte{FlagMore}, make([]byte, 8)...))
	require.NoError(t, err)
	_, err = f.ProcessGATTChunk("conn", append([]byte{FlagMore}, make([]byte, 8)...))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	s, _ := f.Stats("conn")
	assert.Zero(t, s.Buffered)
}

func TestCBORValidation(t *testing.T) {
	valid, err := cbor.Marshal(map[string]int{"status": 20})
	require.NoError(t, err)
	malformed := []byte{0xa1, 0x61}

	t.Run("lenient", func(t *testing.T) {
		f := newFramer(t, WithCBORValidation(true, false))
		got, err := f.ProcessGATTChunk("conn", append([]byte{FlagFinal}, malformed...))
		require.NoError(t, err)
		assert.Equal(t, malformed, got)
	})

	t.Run("strict", func(t *testing.T) {
		f := newFramer(t, WithCBORValidation(true, true))
		got, err := f.ProcessGATTChunk("conn", append([]byte{FlagFinal}, malformed...))
		assert.ErrorIs(t, err, ErrMalformedCBOR)
		assert.Nil(t, got)

		a, _ := FrameForL2CAP(malformed)
		b, _ := FrameForL2CAP(valid)
		out, err := f.ProcessL2CAPData("conn", append(a, b...))
		assert.ErrorIs(t, err, ErrMalformedCBOR)
		assert.Equal(t, [][]byte{valid}, out)
	})
}

func TestClear(t *testing.T) {
	f := newFramer(t)
	_, _ = f.ProcessGATTChunk("a", []byte{FlagMore, 1})
	_, _ = f.ProcessGATTChunk("b", []byte{FlagMore, 2})

	f.ClearConnection("a")
	_, ok := f.Stats("a")
	assert.False(t, ok)
	_, ok = f.Stats("b")
	assert.True(t, ok)

	f.ClearAll()
	_, ok = f.Stats("b")
	assert.False(t, ok)

	got, err := f.ProcessGATTChunk("b", []byte{FlagFinal, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, got)
}

func TestSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFramer(t, WithAssemblyTimeout(time.Second), WithClock(func() time.Time { return now }))
	_, _ = f.ProcessGATTChunk("stale", []byte{FlagMore, 1})
	now = now.Add(500 * time.Millisecond)
	_, _ = f.ProcessGATTChunk("fresh", []byte{FlagMore, 2})

	assert.Equal(t, 0, f.Sweep(now))
	assert.Equal(t, 1, f.Sweep(now.Add(900*time.Millisecond)))

	s, _ := f.Stats("stale")
	assert.Zero(t, s.Buffered)
	s, _ = f.Stats("fresh")
	assert.Equal(t, 1, s.Buffered)
}

func TestStatsDuringReassembly(t *testing.T) {
	f := newFramer(t)
	msg := make([]byte, 5000)
	chunks, err := FrameForGATT(msg, 23)
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				f.Stats("conn")
			}
		}
	}()
	var got []byte
	for _, c := range chunks {
		m, err := f.ProcessGATTChunk("conn", c)
		require.NoError(t, err)
		if m != nil {
			got = m
		}
	}
	close(done)
	wg.Wait()
	assert.Equal(t, msg, got)
}
