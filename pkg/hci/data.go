package hci

import (
	"errors"

	"github.com/google/uuid"
)

// MaxAdvertisingDataLength is the legacy advertising payload limit.
const MaxAdvertisingDataLength = 31

var ErrAdvertisingDataTooLong = errors.New("hci: advertising data exceeds 31 bytes")

// DataType is one AD structure, Core Specification Supplement Part A.
type DataType interface {
	Marshal() ([]byte, error)
}

type FlagsDataType uint8

const (
	FlagsDataTypeLELimitedDiscoverableMode FlagsDataType = (1 << 0)
	FlagsDataTypeLEGeneralDiscoverableMode FlagsDataType = (1 << 1)
	FlagsDataTypeBREDRNotSupported         FlagsDataType = (1 << 2)
)

func (f FlagsDataType) Marshal() ([]byte, error) {
	return []byte{0x02, 0x01, byte(f)}, nil
}

type CompleteLocalName string

func (l CompleteLocalName) Marshal() ([]byte, error) {
	return append([]byte{byte(len(l) + 1), 0x09}, []byte(l)...), nil
}

type ShortLocalName string

func (l ShortLocalName) Marshal() ([]byte, error) {
	return append([]byte{byte(len(l) + 1), 0x08}, []byte(l)...), nil
}

// CompleteServiceUUIDs128 lists 128-bit service UUIDs, each in little endian
// order on air.
type CompleteServiceUUIDs128 []uuid.UUID

func (s CompleteServiceUUIDs128) Marshal() ([]byte, error) {
	buf := []byte{byte(16*len(s) + 1), 0x07}
	for _, u := range s {
		for i := 15; i >= 0; i-- {
			buf = append(buf, u[i])
		}
	}
	return buf, nil
}

// MarshalAdvertisingData concatenates AD structures, failing when the result
// does not fit a legacy advertisement.
func MarshalAdvertisingData(data ...DataType) ([]byte, error) {
	var buf []byte
	for _, d := range data {
		b, err := d.Marshal()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	if len(buf) > MaxAdvertisingDataLength {
		return nil, ErrAdvertisingDataTooLong
	}
	return buf, nil
}
