package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/muxable/mdocble/pkg/config"
	"github.com/muxable/mdocble/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type mockEngine struct{ mock.Mock }

func (m *mockEngine) Establish(key []byte) error {
	return m.Called(key).Error(0)
}

func (m *mockEngine) DecodeRequest(data []byte) ([]DocumentRequest, error) {
	args := m.Called(data)
	docs, _ := args.Get(0).([]DocumentRequest)
	return docs, args.Error(1)
}

func (m *mockEngine) EncodeResponse(d []Disclosure) ([]byte, error) {
	args := m.Called(d)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type fakeTransport struct {
	messages chan []byte
	closed   chan struct{}
	once     sync.Once
	busy     atomic.Int64
	cancels  atomic.Int64

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeTransport) SendMessage(b []byte) error {
	if f.busy.Load() > 0 {
		f.busy.Dec()
		return transport.ErrBusy
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte        { return f.messages }
func (f *fakeTransport) Flush(ctx context.Context) error { return nil }
func (f *fakeTransport) Closed() <-chan struct{}         { return f.closed }

func (f *fakeTransport) Cancel() error {
	f.cancels.Inc()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) decodeSent(t *testing.T) []*Data {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Data
	for _, b := range f.sent {
		env, err := Decode(b)
		require.NoError(t, err)
		d, ok := env.(*Data)
		require.True(t, ok)
		out = append(out, d)
	}
	return out
}

func testSession(t *testing.T, e Engine, tr Transport) *Session {
	cfg := config.MustNew(
		config.WithRetry(3, time.Millisecond, 4*time.Millisecond, 2),
		config.WithDisconnectTimeout(time.Second),
	)
	return New(tr, e, WithConfig(cfg), WithLogger(zaptest.NewLogger(t)))
}

func establishmentBytes(t *testing.T, key, data []byte) []byte {
	t.Helper()
	b, err := (&Establishment{EReaderKey: key, Data: data}).MarshalCBOR()
	require.NoError(t, err)
	return b
}

func sessionData(t *testing.T, d *Data) []byte {
	t.Helper()
	b, err := d.MarshalCBOR()
	require.NoError(t, err)
	return b
}

var mdl = []DocumentRequest{{
	DocType:  "org.iso.18013.5.1.mDL",
	Elements: map[string]map[string]bool{"org.iso.18013.5.1": {"family_name": false, "portrait": true}},
}}

func TestPresentation(t *testing.T) {
	e := &mockEngine{}
	tr := newFakeTransport()
	s := testSession(t, e, tr)
	ctx := context.Background()

	key := []byte{0xa1, 0x01, 0x02}
	e.On("Establish", key).Return(nil).Once()
	e.On("DecodeRequest", []byte("first")).Return(mdl, nil).Once()
	tr.messages <- establishmentBytes(t, key, []byte("first"))

	req, err := s.NextRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, mdl, req.Documents)
	assert.Equal(t, []string{"family_name", "portrait"}, req.Documents[0].Items("org.iso.18013.5.1"))

	approved := []Disclosure{{DocType: mdl[0].DocType, Elements: map[string][]string{"org.iso.18013.5.1": {"family_name"}}}}
	e.On("EncodeResponse", approved).Return([]byte("response"), nil).Once()
	tr.busy.Store(2)
	require.NoError(t, s.Respond(ctx, approved))

	sent := tr.decodeSent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("response"), sent[0].Data)
	assert.Nil(t, sent[0].Status)

	e.On("DecodeRequest", []byte("second")).Return(mdl[:0], nil).Once()
	tr.messages <- sessionData(t, &Data{Data: []byte("second")})
	req, err = s.NextRequest(ctx)
	require.NoError(t, err)
	assert.Empty(t, req.Documents)

	tr.messages <- sessionData(t, StatusData(StatusTermination))
	_, err = s.NextRequest(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.EqualValues(t, 1, tr.cancels.Load())

	require.NoError(t, s.Cancel())
	assert.Len(t, tr.decodeSent(t), 1)
	e.AssertExpectations(t)
}

func TestCancelSendsTermination(t *testing.T) {
	tr := newFakeTransport()
	s := testSession(t, &mockEngine{}, tr)

	require.NoError(t, s.Cancel())
	require.NoError(t, s.Cancel())

	sent := tr.decodeSent(t)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Terminated())
	assert.EqualValues(t, 1, tr.cancels.Load())

	_, err := s.NextRequest(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, s.Respond(context.Background(), nil), ErrTerminated)
}

func TestEstablishFailure(t *testing.T) {
	e := &mockEngine{}
	tr := newFakeTransport()
	s := testSession(t, e, tr)

	e.On("Establish", mock.Anything).Return(errors.New("bad key"))
	tr.messages <- establishmentBytes(t, []byte{1}, []byte("x"))
	_, err := s.NextRequest(context.Background())
	assert.EqualError(t, err, "session: establish: bad key")

	sent := tr.decodeSent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, StatusEncryptionError, *sent[0].Status)
	assert.EqualValues(t, 1, tr.cancels.Load())
	e.AssertNotCalled(t, "DecodeRequest", mock.Anything)
}

func TestMalformedMessages(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  func(t *testing.T) []byte
		want error
	}{
		{"not cbor", func(*testing.T) []byte { return []byte{0xff} }, ErrMalformedEnvelope},
		{"data before establishment", func(t *testing.T) []byte { return sessionData(t, &Data{Data: []byte{1}}) }, ErrNotStarted},
		{"empty map", func(t *testing.T) []byte {
			b, err := cbor.Marshal(map[string]int{})
			require.NoError(t, err)
			return b
		}, ErrMalformedEnvelope},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport()
			s := testSession(t, &mockEngine{}, tr)
			tr.messages <- tc.msg(t)
			_, err := s.NextRequest(context.Background())
			assert.ErrorIs(t, err, tc.want)

			sent := tr.decodeSent(t)
			require.Len(t, sent, 1)
			assert.Equal(t, StatusDecodingError, *sent[0].Status)
		})
	}
}

func TestTransportClosed(t *testing.T) {
	tr := newFakeTransport()
	s := testSession(t, &mockEngine{}, tr)
	require.NoError(t, tr.Cancel())

	_, err := s.NextRequest(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s2 := testSession(t, &mockEngine{}, newFakeTransport())
	_, err = s2.NextRequest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRespondGivesUpWhenBusy(t *testing.T) {
	e := &mockEngine{}
	tr := newFakeTransport()
	s := testSession(t, e, tr)

	e.On("Establish", mock.Anything).Return(nil)
	e.On("DecodeRequest", mock.Anything).Return(mdl, nil)
	e.On("EncodeResponse", mock.Anything).Return([]byte("r"), nil)
	tr.messages <- establishmentBytes(t, []byte{1}, []byte("x"))
	_, err := s.NextRequest(context.Background())
	require.NoError(t, err)

	tr.busy.Store(100)
	assert.ErrorIs(t, s.Respond(context.Background(), nil), transport.ErrBusy)
}

func TestDeviceRequest(t *testing.T) {
	b, err := EncodeDeviceRequest(mdl)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, cbor.Unmarshal(b, &raw))
	assert.Equal(t, "1.0", raw["version"])

	docs, err := DecodeDeviceRequest(b)
	require.NoError(t, err)
	assert.Equal(t, mdl, docs)

	_, err = DecodeDeviceRequest([]byte{0xa0})
	assert.Error(t, err)
}

func TestDisclosed(t *testing.T) {
	elements := map[string]map[string]string{"org.iso.18013.5.1": {"family_name": "Mustermann"}}
	b, err := EncodeDisclosed("org.iso.18013.5.1.mDL", elements)
	require.NoError(t, err)

	docType, got, err := DecodeDisclosed(b)
	require.NoError(t, err)
	assert.Equal(t, "org.iso.18013.5.1.mDL", docType)
	assert.Equal(t, elements, got)

	empty, err := cbor.Marshal(map[string]interface{}{"version": "1.0", "status": 10})
	require.NoError(t, err)
	_, _, err = DecodeDisclosed(empty)
	assert.EqualError(t, err, "session: disclosed: no documents, status 10")
}
