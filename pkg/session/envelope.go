package session

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Status values carried in SessionData, ISO 18013-5 table 20.
type Status uint

const (
	StatusEncryptionError Status = 10
	StatusDecodingError   Status = 11
	StatusTermination     Status = 20
)

// tagEncodedCBOR marks a byte string holding encoded CBOR.
const tagEncodedCBOR = 24

var ErrMalformedEnvelope = errors.New("session: malformed envelope")

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Establishment is the first message a reader sends.
type Establishment struct {
	// EReaderKey is the encoded COSE_Key of the reader's ephemeral key.
	EReaderKey []byte
	Data       []byte
}

type establishment struct {
	EReaderKey cbor.Tag `cbor:"eReaderKey"`
	Data       []byte   `cbor:"data"`
}

func (e *Establishment) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(establishment{
		EReaderKey: cbor.Tag{Number: tagEncodedCBOR, Content: e.EReaderKey},
		Data:       e.Data,
	})
}

// Data carries every message after establishment. A nil Status means the
// session continues.
type Data struct {
	Data   []byte  `cbor:"data,omitempty"`
	Status *Status `cbor:"status,omitempty"`
}

func (d *Data) MarshalCBOR() ([]byte, error) {
	type plain Data
	return encMode.Marshal((*plain)(d))
}

// Terminated reports whether the sender ended the session.
func (d *Data) Terminated() bool {
	return d.Status != nil && *d.Status == StatusTermination
}

func StatusData(s Status) *Data { return &Data{Status: &s} }

// envelope is either kind of message, decoded without knowing which to expect.
type envelope struct {
	EReaderKey *cbor.RawTag `cbor:"eReaderKey"`
	Data       []byte       `cbor:"data"`
	Status     *Status      `cbor:"status"`
}

// Decode returns an *Establishment or a *Data.
func Decode(b []byte) (interface{}, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EReaderKey == nil {
		if env.Data == nil && env.Status == nil {
			return nil, fmt.Errorf("%w: neither data nor status", ErrMalformedEnvelope)
		}
		return &Data{Data: env.Data, Status: env.Status}, nil
	}
	if env.EReaderKey.Number != tagEncodedCBOR {
		return nil, fmt.Errorf("%w: eReaderKey has tag %d", ErrMalformedEnvelope, env.EReaderKey.Number)
	}
	var key []byte
	if err := cbor.Unmarshal(env.EReaderKey.Content, &key); err != nil {
		return nil, fmt.Errorf("%w: eReaderKey: %v", ErrMalformedEnvelope, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: establishment without data", ErrMalformedEnvelope)
	}
	return &Establishment{EReaderKey: key, Data: env.Data}, nil
}
